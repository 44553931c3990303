// Command cute-server runs the cryostat vibration-isolation supervisor
// (spec.md §1, §6, C12): it owns the USB-attached motor controllers, polls
// the pressure/position ADC, runs the control law, and serves the
// WebSocket observer/command plane.
//
// Grounded on CK6170-CalRunrilla-web's cmd/server/main.go: parse flags,
// bind the HTTP listener before doing anything else so a port conflict
// fails fast, then hand off to the long-running server.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/boardhead/cute-cryo/internal/config"
	"github.com/boardhead/cute-cryo/internal/engine"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", flags.Addr)
	if err != nil {
		return err
	}

	eng := engine.New(flags)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", eng.HandleWebSocket)
	httpServer := &http.Server{Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("http server: %v", err)
		}
	}()

	err = eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return err
}
