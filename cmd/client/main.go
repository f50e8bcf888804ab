package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/matst80/wsrelay/internal/obs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries relayed data, logs go to stderr.
	obs.SetOutput(os.Stderr)
	cmd, _ := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func execute(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := obs.InitLog(cfg.LogLevel, "console"); err != nil {
		return err
	}
	obs.Info("client.start", obs.Fields{"server": cfg.Server, "role": cfg.Role})

	lines := readLines(os.Stdin)
	b := newBackoff()
	op := func() error {
		err := runSession(ctx, cfg, lines, os.Stdout, b.Reset)
		if err != nil && cfg.Once {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		obs.Warn("client.reconnect", obs.Fields{"err": err.Error(), "in": d.String()})
	})
	if errors.Is(err, errInputClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          1.7,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// readLines feeds r line by line and closes the channel at EOF.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			out <- sc.Text()
		}
		if err := sc.Err(); err != nil {
			obs.Error("client.stdin", obs.Fields{"err": err.Error()})
		}
	}()
	return out
}
