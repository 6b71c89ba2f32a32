package region

import (
	"sync"
	"sync/atomic"
	"testing"
)

type countingPredicate struct {
	calls atomic.Int64
	valid func(Key) bool
}

func (p *countingPredicate) Valid(k Key) bool {
	p.calls.Add(1)
	return p.valid(k)
}

func TestOracle_MemoizesPerKey(t *testing.T) {
	p := &countingPredicate{valid: func(k Key) bool { return k.X%2 == 0 }}
	o := NewOracle(p, 100)

	k := Key{World: "alpha", X: 2, Z: 5}
	for i := 0; i < 5; i++ {
		if !o.IsValidRegion(k) {
			t.Fatalf("expected valid region")
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("predicate calls=%d want=1", got)
	}
	if o.IsValidRegion(Key{World: "alpha", X: 3, Z: 5}) {
		t.Fatalf("expected odd x invalid")
	}
	st := o.Stats()
	if st.Hits != 4 || st.Misses != 2 {
		t.Fatalf("stats hits=%d misses=%d want 4/2", st.Hits, st.Misses)
	}
}

func TestOracle_BoundedGrowth(t *testing.T) {
	p := &countingPredicate{valid: func(Key) bool { return true }}
	o := NewOracle(p, 100)
	for i := 0; i < 1000; i++ {
		o.IsValidRegion(Key{World: "alpha", X: i, Z: 0})
		if n := o.Len(); n > 100 {
			t.Fatalf("cache size=%d exceeds capacity", n)
		}
	}
	if o.Stats().Evictions == 0 {
		t.Fatalf("expected evictions once capacity is reached")
	}
	// Trim drops roughly 20%: right after a trim the size is 81.
	o.Clear()
	for i := 0; i < 100; i++ {
		o.IsValidRegion(Key{World: "alpha", X: i, Z: 1})
	}
	if n := o.Len(); n != 100 {
		t.Fatalf("size=%d want=100 before trim", n)
	}
	o.IsValidRegion(Key{World: "alpha", X: 5000, Z: 1})
	if n := o.Len(); n != 81 {
		t.Fatalf("size=%d want=81 after trim", n)
	}
}

func TestOracle_InvalidateAndClear(t *testing.T) {
	p := &countingPredicate{valid: func(Key) bool { return true }}
	o := NewOracle(p, 100)

	a := Key{World: "alpha", X: 1, Z: 1}
	b := Key{World: "beta", X: 1, Z: 1}
	o.IsValidRegion(a)
	o.IsValidRegion(b)

	o.Invalidate(a)
	o.IsValidRegion(a)
	if got := p.calls.Load(); got != 3 {
		t.Fatalf("calls=%d want=3 after invalidate", got)
	}

	o.InvalidateWorld("beta")
	if o.Len() != 1 {
		t.Fatalf("len=%d want=1 after InvalidateWorld", o.Len())
	}
	o.Clear()
	if o.Len() != 0 {
		t.Fatalf("len=%d want=0 after Clear", o.Len())
	}
}

func TestOracle_RejectsEmptyWorld(t *testing.T) {
	p := &countingPredicate{valid: func(Key) bool { return true }}
	o := NewOracle(p, 10)
	if o.IsValidRegion(Key{X: 1, Z: 1}) {
		t.Fatalf("empty world must be invalid")
	}
	if p.calls.Load() != 0 {
		t.Fatalf("predicate should not be consulted for malformed keys")
	}
}

func TestOracle_ConcurrentAccess(t *testing.T) {
	p := &countingPredicate{valid: func(k Key) bool { return k.Z >= 0 }}
	o := NewOracle(p, 64)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := Key{World: "alpha", X: i % 97, Z: w - 2}
				if got := o.IsValidRegion(k); got != (k.Z >= 0) {
					t.Errorf("IsValidRegion(%v)=%v", k, got)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if o.Len() > 64 {
		t.Fatalf("len=%d exceeds capacity", o.Len())
	}
}

func TestFromBlock_FloorsNegativeCoordinates(t *testing.T) {
	k := FromBlock("alpha", -1, 31)
	if k.X != -1 || k.Z != 1 {
		t.Fatalf("FromBlock(-1,31)=%v", k)
	}
	x, z := k.MinBlock()
	if x != -16 || z != 16 {
		t.Fatalf("MinBlock=(%d,%d)", x, z)
	}
}
