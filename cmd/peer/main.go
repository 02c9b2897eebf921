// peer is an interactive relay peer: every line typed on stdin is sent to the
// relay as-is and every chunk received is printed.
// Usage: go run ./cmd/peer -r localhost:8080
// A host addresses a client by typing "<handle>:<message>".
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/hostrelay/client"
	"github.com/SWAI-Ltd/hostrelay/internal/logging"
)

func main() {
	var (
		cfg      client.Config
		host     bool
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           "peer",
		Short:         "Connect to a relay and exchange lines over stdin/stdout",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.FromEnv(logLevel, "")
			if err != nil {
				return err
			}
			slog.SetDefault(log)
			return run(cfg, host)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cfg.RelayAddr, "relay", "r", "localhost:8080", "relay address (empty with --discover to use mDNS)")
	f.StringVar(&cfg.Transport, "transport", "tcp", "tcp or quic")
	f.BoolVar(&cfg.Discover, "discover", false, "find the relay over mDNS")
	f.BoolVar(&host, "host", false, "decode received chunks as host traffic")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "peer: %s\n", err)
		os.Exit(1)
	}
}

func run(cfg client.Config, host bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	c, err := client.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer c.Close()
	slog.Info("connected", "relay", c.RemoteAddr())

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if err := c.Send(append(sc.Bytes(), '\n')); err != nil {
				slog.Error("send failed", "err", err)
				break
			}
		}
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-c.Messages():
			if !ok {
				slog.Info("relay closed the connection", "err", c.Err())
				return nil
			}
			if host {
				printInbound(b)
			} else {
				fmt.Printf("%s", b)
			}
		}
	}
}

func printInbound(b []byte) {
	in, err := client.ParseInbound(b)
	switch {
	case err != nil:
		fmt.Printf("?? %q\n", b)
	case in.Topology != nil:
		fmt.Printf("** client %d %s\n", in.Topology.Handle, in.Topology.Kind)
	default:
		fmt.Printf("[%d] %s", in.Source, in.Payload)
	}
}
