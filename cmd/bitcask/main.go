// Command bitcask is a standalone CLI for local inspection and scripting
// against a bitcask data directory, without going through the RPC server.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/epokhe/bitcask/core"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  bitcask -path <dir> get <key>\n")
	fmt.Fprintf(os.Stderr, "  bitcask -path <dir> put <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  bitcask -path <dir> delete <key>\n")
	fmt.Fprintf(os.Stderr, "  bitcask -path <dir> merge\n")
	fmt.Fprintf(os.Stderr, "  bitcask -path <dir> size\n")
	os.Exit(1)
}

func main() {
	var path string
	args := os.Args[1:]

	for len(args) > 0 && args[0] == "-path" {
		if len(args) < 2 {
			usage()
		}
		path = args[1]
		args = args[2:]
	}
	if path == "" || len(args) == 0 {
		usage()
	}

	db, err := core.Open(path)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("close: %v", err)
		}
	}()

	switch args[0] {
	case "get":
		if len(args) != 2 {
			usage()
		}
		val, err := db.Read([]byte(args[1]))
		if err != nil {
			log.Fatalf("get: %v", err)
		}
		fmt.Println(string(val))

	case "put":
		if len(args) != 3 {
			usage()
		}
		if err := db.Write([]byte(args[1]), []byte(args[2])); err != nil {
			log.Fatalf("put: %v", err)
		}

	case "delete":
		if len(args) != 2 {
			usage()
		}
		if err := db.Delete([]byte(args[1])); err != nil {
			log.Fatalf("delete: %v", err)
		}

	case "merge":
		if len(args) != 1 {
			usage()
		}
		if err := db.Merge(); err != nil {
			log.Fatalf("merge: %v", err)
		}

	case "size":
		if len(args) != 1 {
			usage()
		}
		fmt.Println(db.DiskSize())

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", args[0])
		usage()
	}
}
