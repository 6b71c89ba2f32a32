package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// getCmd calls one of the GET admin endpoints and prints the body.
func getCmd(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	limit := fs.Int("limit", 10, "result limit (top, recent)")
	id := fs.String("id", "", "player id (player)")
	world := fs.String("world", "", "world id (player)")
	_ = fs.Parse(args)

	u, err := adminURL(*baseURL, name, *limit, *id, *world)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func adminURL(base, name string, limit int, id, world string) (string, error) {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + "/admin/v1/" + name
	q := url.Values{}
	switch name {
	case "top", "recent":
		q.Set("limit", strconv.Itoa(limit))
	case "player":
		if strings.TrimSpace(id) == "" {
			return "", fmt.Errorf("missing -id")
		}
		q.Set("id", id)
		if world != "" {
			q.Set("world", world)
		}
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

func reloadCmd(args []string) {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/reload"
	req, _ := http.NewRequest(http.MethodPost, u, nil)
	cl := &http.Client{Timeout: 15 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
