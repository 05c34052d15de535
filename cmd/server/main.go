package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/epokhe/bitcask/cmd/remote"
	"github.com/epokhe/bitcask/core"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  server -path <data-dir>\n")
	os.Exit(1)
}

func main() {
	var (
		dbPath = flag.String("path", "", "path to data directory")
		addr   = flag.String("addr", ":1729", "RPC listen address")
	)
	flag.Parse()

	if *dbPath == "" {
		usage()
	}

	db, err := core.Open(*dbPath)
	if err != nil {
		log.Fatalf("could not open the database: %v", err)
	}

	listenAddr, cleanup, err := remote.StartRPC(db, *addr)
	if err != nil {
		log.Fatalf("could not start RPC server: %v", err)
	}
	log.Printf("RPC server listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v", sig)

	log.Println("Shutting down…")
	cleanup()
}
