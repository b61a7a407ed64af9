package logfunnel

import (
	"context"
	"encoding/gob"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Environment variables that re-enter a spawned binary as the log listener.
const (
	// EnvListenerSocket names the unix socket the listener serves.
	EnvListenerSocket = "PUMA_LOG_LISTENER_SOCKET"

	// EnvListenerConfig points at the YAML configuration the listener's
	// sinks are built from.
	EnvListenerConfig = "PUMA_LOG_CONFIG"
)

// InitListener re-enters the current binary as the log listener when the
// funnel spawned it. Call it at the top of main, before anything else; it
// only returns (false) in ordinary processes. procenv.Init calls it for
// you.
func InitListener() bool {
	socketPath := os.Getenv(EnvListenerSocket)
	if socketPath == "" {
		return false
	}
	cfg, err := Load(os.Getenv(EnvListenerConfig))
	if err != nil {
		os.Stderr.WriteString("puma log listener: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := RunListener(cfg, socketPath); err != nil {
		os.Stderr.WriteString("puma log listener: " + err.Error() + "\n")
		os.Exit(1)
	}
	os.Exit(0)
	return true
}

// RunListener owns the configured sinks and drains records from every
// connected process until SIGTERM or SIGINT. Records within one connection
// are applied in arrival order; interleaving across connections reflects
// arrival at the listener and nothing stronger.
func RunListener(cfg Config, socketPath string) error {
	handler, closer, err := BuildHandler(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
		wg    sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(conns, conn)
					mu.Unlock()
					conn.Close()
				}()
				dec := gob.NewDecoder(conn)
				for {
					var r Record
					if err := dec.Decode(&r); err != nil {
						return
					}
					rec := r.toSlog()
					handler.Handle(context.Background(), rec)
				}
			}()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	ln.Close()
	mu.Lock()
	for c := range conns {
		c.Close()
	}
	mu.Unlock()
	wg.Wait()
	return nil
}
