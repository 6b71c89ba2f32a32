package main

import "testing"

func TestSpiral_VisitsDistinctRegions(t *testing.T) {
	want := [][2]int{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {2, -1}}
	for i, w := range want {
		x, z := spiral(i)
		if x != w[0] || z != w[1] {
			t.Fatalf("step %d: got (%d,%d) want (%d,%d)", i, x, z, w[0], w[1])
		}
	}
	seen := map[[2]int]bool{}
	for i := 0; i < 400; i++ {
		x, z := spiral(i)
		if seen[[2]int{x, z}] {
			t.Fatalf("step %d revisits (%d,%d)", i, x, z)
		}
		seen[[2]int{x, z}] = true
	}
}
