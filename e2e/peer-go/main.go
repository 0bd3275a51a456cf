package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pion/transport/v3/stdnet"
)

// A test peer for the broadcast relay: it sends MESSAGE to RELAY_ADDR every
// INTERVAL_MS and prints every datagram it receives as `RECV <from> <payload>`.
// COUNT > 0 stops after that many sends plus one interval of draining.
func main() {
	relayAddr := envOrDefault("RELAY_ADDR", "127.0.0.1:8080")
	bindAddr := envOrDefault("BIND_ADDR", "127.0.0.1:0")
	message := envOrDefault("MESSAGE", "hello")
	interval := time.Duration(envIntOrDefault("INTERVAL_MS", 1000)) * time.Millisecond
	count := envIntOrDefault("COUNT", 0)

	if interval <= 0 {
		fmt.Fprintln(os.Stderr, "INTERVAL_MS must be > 0")
		os.Exit(2)
	}

	raddr, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve %s: %v\n", relayAddr, err)
		os.Exit(2)
	}

	nw, err := stdnet.NewNet()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init network: %v\n", err)
		os.Exit(1)
	}
	conn, err := nw.ListenPacket("udp", bindAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", bindAddr, err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("READY %s\n", conn.LocalAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go receive(conn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for {
		if count > 0 && sent >= count {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
			return
		}
		payload := []byte(fmt.Sprintf("%s %d", message, sent))
		if _, err := conn.WriteTo(payload, raddr); err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
		sent++

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func receive(conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				fmt.Fprintf(os.Stderr, "receive: %v\n", err)
			}
			return
		}
		fmt.Printf("RECV %s %s\n", from, buf[:n])
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
