// File: cmd/pubsub-server/main.go
//
// The SUB/UNSUB/PUB line protocol over the connection registry's
// subscriber fan-out. Grounded on original_source's demo/demo2
// main.cpp, whose read callback already implements this exact command
// dispatch (SUB/UNSUB/PUB <payload>) against
// TcpConn::subscribe/unsubscribe/broadcast.

package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/reactorkit/reactorkit/conn"
	"github.com/reactorkit/reactorkit/internal/xlog"
	"github.com/reactorkit/reactorkit/reactor"
	"github.com/reactorkit/reactorkit/server"
)

var pubPrefix = []byte("PUB ")

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: pubsub-server <port>")
		return 1
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintln(os.Stderr, "port must be a decimal integer in [1, 65535]")
		return 1
	}

	log := xlog.Default()

	loop, err := reactor.New(log)
	if err != nil {
		log.Error("failed to create event loop", "err", err)
		return 2
	}
	defer loop.Close()

	srv := server.New(loop, server.WithLogger(log))
	defer srv.Close()

	err = srv.Start(port, func(c *conn.Connection) {
		log.Info("new connection", "fd", c.Fd())
		c.SetCloseCallback(func(fd int) { log.Info("connection closed", "fd", fd) })
		c.SetReadCallback(func(c *conn.Connection) int {
			for {
				line, ok := c.ReadUntil('\n')
				if !ok {
					return -1
				}
				dispatch(c, line, log)
			}
		})
	})
	if err != nil {
		log.Error("failed to start server", "port", port, "err", err)
		return 3
	}
	log.Info("pubsub-server listening", "port", port)

	if err := loop.Run(); err != nil {
		log.Error("event loop exited with error", "err", err)
		return 4
	}
	return 0
}

func dispatch(c *conn.Connection, line []byte, log xlog.Logger) {
	switch {
	case bytes.Equal(line, []byte("SUB")):
		c.Subscribe()
	case bytes.Equal(line, []byte("UNSUB")):
		c.Unsubscribe()
	case bytes.HasPrefix(line, pubPrefix):
		if err := c.Broadcast(line[len(pubPrefix):]); err != nil {
			log.Error("broadcast failed", "fd", c.Fd(), "err", err)
		}
	default:
		log.Info("ignoring unrecognized line", "fd", c.Fd(), "line", string(line))
	}
}
