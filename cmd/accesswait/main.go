// Command accesswait polls a server until a user has access to an
// assessment, the way a client does after returning from checkout.
//
// Usage:
//
//	go run ./cmd/accesswait -server http://localhost:8080 -user u1 -assessment a1
//
// Exit status is 0 when access was observed and 1 when the attempts ran out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/reconcile"
)

func main() {
	os.Exit(run())
}

func run() int {
	server := flag.String("server", envOr("ASSESSLY_URL", "http://localhost:8080"), "server base URL")
	user := flag.String("user", "", "user id")
	assessment := flag.String("assessment", "", "assessment id")
	attempts := flag.Int("attempts", 12, "maximum number of checks")
	delay := flag.Duration("delay", reconcile.DefaultDelay, "delay between checks")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	if *user == "" || *assessment == "" {
		fmt.Fprintln(os.Stderr, "usage: accesswait -user <id> -assessment <id> [-server url] [-attempts n] [-delay d]")
		return 2
	}

	logger := logging.New(*logLevel, "text")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := reconcile.NewPoller(reconcile.NewHTTPChecker(*server))
	p.Delay = *delay
	p.Logger = logger

	start := time.Now()
	res := p.Wait(ctx, *user, *assessment, *attempts)
	logger.Info("access wait finished",
		"granted", res.Granted,
		"attempts", res.Attempts,
		"failures", res.Failures,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	if !res.Granted {
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
