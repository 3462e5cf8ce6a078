// Command forker listens on the forkerctl control socket and execs worker
// processes in response to "spawn <N>" requests from coolwsd (spec §4.4,
// §6). It holds no document state of its own.
package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"coolwsd/internal/forker"
	"coolwsd/internal/forkerctl"
)

func main() {
	os.Exit(run())
}

func run() int {
	socketPath := flag.String("socket", "", "unix domain socket to listen on for the forkerctl control channel")
	workerBinary := flag.String("worker-binary", "", "path to the sandboxed worker executable")
	workerArgs := flag.String("worker-args", "", "extra space-separated arguments appended to every worker invocation")
	childURL := flag.String("child-url", "", "the core's child-registration WebSocket endpoint, e.g. ws://127.0.0.1:9980/child")
	jailRoot := flag.String("jail-root", "", "parent directory workers stage their sandboxes under")
	flag.Parse()

	if *socketPath == "" || *workerBinary == "" || *childURL == "" {
		slog.Error("[FORKER] -socket, -worker-binary, and -child-url are required")
		return 1
	}

	_ = os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		slog.Error("[FORKER] failed to listen on control socket", "path", *socketPath, "error", err)
		return 1
	}
	defer ln.Close()

	var args []string
	if *workerArgs != "" {
		args = strings.Fields(*workerArgs)
	}

	sup := forker.New(forker.Options{
		WorkerBinary: *workerBinary,
		WorkerArgs:   args,
		ChildURL:     *childURL,
		JailRoot:     *jailRoot,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		slog.Info("[FORKER] shutdown requested")
		sup.Shutdown()
		ln.Close()
	}()

	slog.Info("[FORKER] listening", "socket", *socketPath)
	if err := forkerctl.Serve(ln, sup); err != nil {
		slog.Error("[FORKER] control channel serve error", "error", err)
		return 1
	}
	return 0
}
