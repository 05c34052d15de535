// Package remote provides an RPC wrapper around the core Database.
package remote

import (
	"log"
	"net"
	"net/rpc"

	"github.com/epokhe/bitcask/core"
)

type DBRemote struct {
	db *core.Database
}

type ReadArgs struct {
	Key string
}

type WriteArgs struct {
	Key   string
	Value string
}

type DeleteArgs struct {
	Key string
}

func (remote *DBRemote) Read(args *ReadArgs, reply *string) error {
	val, err := remote.db.Read([]byte(args.Key))
	if err != nil {
		return err
	}
	*reply = string(val)
	return nil
}

func (remote *DBRemote) Write(args *WriteArgs, _ *struct{}) error {
	return remote.db.Write([]byte(args.Key), []byte(args.Value))
}

func (remote *DBRemote) Delete(args *DeleteArgs, _ *struct{}) error {
	return remote.db.Delete([]byte(args.Key))
}

func (remote *DBRemote) Merge(_ *struct{}, _ *struct{}) error {
	return remote.db.Merge()
}

// StartRPC registers db on a new RPC server, listens on addr, and serves
// in the background. It returns the actual listen address and a cleanup
// func that stops accepting connections and closes db.
func StartRPC(db *core.Database, addr string) (string, func(), error) {
	remote := &DBRemote{db: db}

	server := rpc.NewServer()
	if err := server.RegisterName("DB", remote); err != nil {
		_ = db.Close()
		return "", nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = db.Close()
		return "", nil, err
	}

	go server.Accept(listener)

	cleanup := func() {
		_ = listener.Close() // stop accepting new conns

		if err := db.Close(); err != nil {
			log.Fatalf("db close: %v\n", err)
		}
	}
	return listener.Addr().String(), cleanup, nil
}
