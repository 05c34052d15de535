package main

import (
	"flag"
	"fmt"
	"log"
	"net/rpc"
	"os"

	"github.com/epokhe/bitcask/cmd/remote"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  client read <key>\n")
	fmt.Fprintf(os.Stderr, "  client write <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  client delete <key>\n")
	fmt.Fprintf(os.Stderr, "  client merge\n")
	os.Exit(1)
}

func main() {
	addr := flag.String("addr", "localhost:1729", "RPC server address")
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		usage()
	}

	client, err := rpc.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to dial rpc: %v\n", err)
	}
	defer client.Close() // nolint:errcheck

	switch args[0] {
	case "read":
		if len(args) != 2 {
			usage()
		}
		var val string
		if err := client.Call("DB.Read", &remote.ReadArgs{Key: args[1]}, &val); err != nil {
			log.Fatalf("failed to read key: %v\n", err)
		}
		fmt.Println(val)

	case "write":
		if len(args) != 3 {
			usage()
		}
		var reply struct{}
		if err := client.Call("DB.Write", &remote.WriteArgs{Key: args[1], Value: args[2]}, &reply); err != nil {
			log.Fatalf("failed to write key: %v\n", err)
		}
		fmt.Println("done")

	case "delete":
		if len(args) != 2 {
			usage()
		}
		var reply struct{}
		if err := client.Call("DB.Delete", &remote.DeleteArgs{Key: args[1]}, &reply); err != nil {
			log.Fatalf("failed to delete key: %v\n", err)
		}
		fmt.Println("done")

	case "merge":
		if len(args) != 1 {
			usage()
		}
		var reply struct{}
		if err := client.Call("DB.Merge", &struct{}{}, &reply); err != nil {
			log.Fatalf("failed to merge: %v\n", err)
		}
		fmt.Println("done")

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", args[0])
		usage()
	}
}
