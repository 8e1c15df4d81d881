// File: cmd/echo-server/main.go
//
// An HTTP-like one-shot responder, with a coroutine-delayed variant
// selectable via --delay for manual testing of the suspend/resume
// path. Grounded on original_source's demo/demo1 and demo/demo2
// main.cpp: same "one positional arg = port" CLI contract, reworked
// from iostream logging to the ambient xlog shim.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/reactorkit/reactorkit/conn"
	"github.com/reactorkit/reactorkit/coroutine"
	"github.com/reactorkit/reactorkit/internal/xlog"
	"github.com/reactorkit/reactorkit/reactor"
	"github.com/reactorkit/reactorkit/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 && len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: echo-server <port> [--delay]")
		return 1
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintln(os.Stderr, "port must be a decimal integer in [1, 65535]")
		return 1
	}
	delayed := len(os.Args) == 3 && os.Args[2] == "--delay"

	log := xlog.Default()

	loop, err := reactor.New(log)
	if err != nil {
		log.Error("failed to create event loop", "err", err)
		return 2
	}
	defer loop.Close()

	srv := server.New(loop, server.WithLogger(log))
	defer srv.Close()

	const response = "HTTP/1.1 200 OK\nContent-Length: 12\n\nHello World!\n"

	err = srv.Start(port, func(c *conn.Connection) {
		log.Info("new connection")
		c.SetCloseCallback(func(fd int) { log.Info("connection closed", "fd", fd) })
		c.SetReadCallback(func(c *conn.Connection) int {
			req, ok := c.ReadUntilCRLF()
			if !ok {
				return -1 // not enough data yet
			}
			log.Info("received request line", "line", string(req))
			if !delayed {
				c.Send([]byte(response))
				return -1
			}
			sendDelayed(c)
			return -1
		})
	})
	if err != nil {
		log.Error("failed to start server", "port", port, "err", err)
		return 3
	}
	log.Info("echo-server listening", "port", port, "delayed", delayed)

	if err := loop.Run(); err != nil {
		log.Error("event loop exited with error", "err", err)
		return 4
	}
	return 0
}

// sendDelayed yields ten times, then waits 5s on the timed scheduler
// before sending, without blocking the loop from serving other clients
// in the interim.
func sendDelayed(c *conn.Connection) {
	const response = "HTTP/1.1 200 OK\nContent-Length: 12\n\nHello World!\n"
	c.Spawn(func(y *coroutine.Yield) {
		for i := 0; i < 10; i++ {
			if !y.Yield() {
				return
			}
		}
		if !y.Sleep(5*time.Second, c.Timer()) {
			return
		}
		c.Send([]byte(response))
	})
}
