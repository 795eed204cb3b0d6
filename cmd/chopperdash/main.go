package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/chopperdash/internal/link"
	"github.com/shaunagostinho/chopperdash/internal/motor"
	"github.com/shaunagostinho/chopperdash/internal/scope"
	"github.com/shaunagostinho/chopperdash/internal/server"
	"github.com/shaunagostinho/chopperdash/web"
)

func main() {
	configPath := flag.String("config", "/etc/chopperdash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated chopper")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] chopperdash starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Serial.Port = link.DemoPortName
		cfg.Serial.AutoConnect = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	buf := scope.New(cfg.BufferConfig())

	lister := link.Lister(link.ListPorts)
	if *demo {
		lister = link.WithDemo(lister)
	}
	ctrl := motor.New(motor.Config{
		Link: cfg.LinkConfig(),
		Dial: motor.DialSerial,
		List: lister,
	}, buf)
	defer func() {
		if err := ctrl.Disconnect(); err != nil {
			log.Printf("[main] disconnect: %v", err)
		}
	}()

	// Connect in the background; the dashboard starts regardless
	if cfg.Serial.AutoConnect && cfg.Serial.Port != "" {
		go connectWithRetry(ctx, ctrl, cfg.Serial.Port, 10)
	}

	srv := server.New(cfg, ctrl, buf, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, ctrl *motor.Controller, port string, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := ctrl.Connect(port)
		if err == nil || errors.Is(err, motor.ErrAlreadyConnected) {
			log.Printf("[main] connected to %s (attempt %d)", port, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[main] connect attempt %d/%d failed: %v (retry in %v)",
				attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[main] connect attempt %d failed: %v (retry in %v)",
				attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
