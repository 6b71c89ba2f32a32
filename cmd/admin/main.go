package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "stats", "top", "recent", "borders", "player":
			getCmd(os.Args[1], os.Args[2:])
			return
		case "reload":
			reloadCmd(os.Args[2:])
			return
		}
	}
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

store (direct):
  db [-tuning path] [-sqlite path] [-backend sqlite|postgres] [-dsn dsn] <query> [args]
     queries: top, recent, borders, player <id>, repair <id>, reset-border <world>
  journal [-dir data] [-player id] [-limit n]

server (admin http, loopback only):
  stats | top | recent | borders | player -id <id>   [-url http://127.0.0.1:8080] [-limit n]
  reload                                             [-url http://127.0.0.1:8080]`)
}
