// relay-check is a validation CLI: it connects to an idle relay as host,
// attaches a client, and confirms the relay speaks the protocol (topology
// notifications, client tagging, host addressing).
// Usage: go run ./cmd/relay-check -r localhost:8080
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/hostrelay/client"
)

func main() {
	var (
		cfg     client.Config
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:           "relay-check",
		Short:         "Check that a relay implements the host/client protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return check(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cfg.RelayAddr, "relay", "r", "localhost:8080", "relay address")
	f.StringVar(&cfg.Transport, "transport", "tcp", "tcp or quic")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %s\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func check(ctx context.Context, cfg client.Config) error {
	host, err := client.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect host: %w", err)
	}
	defer host.Close()

	// give the relay a moment to register the host before the client arrives
	time.Sleep(100 * time.Millisecond)

	peer, err := client.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect client: %w", err)
	}
	defer peer.Close()

	in, err := nextInbound(ctx, host)
	if err != nil {
		return err
	}
	if in.Topology == nil || in.Topology.Kind != client.Connect {
		return fmt.Errorf("expected CONNECT notification, got %+v (is another host already connected?)", in)
	}
	handle := in.Topology.Handle
	fmt.Printf("[%s] client joined as %d\n", time.Now().Format("15:04:05"), handle)

	if err := peer.Send([]byte("ping")); err != nil {
		return fmt.Errorf("client send: %w", err)
	}
	in, err = nextInbound(ctx, host)
	if err != nil {
		return err
	}
	if in.Source != handle || !bytes.Equal(in.Payload, []byte("ping")) {
		return fmt.Errorf("expected %d:ping, got %+v", handle, in)
	}
	fmt.Printf("[%s] client -> host tagged correctly\n", time.Now().Format("15:04:05"))

	if err := host.SendTo(handle, []byte("pong")); err != nil {
		return fmt.Errorf("host send: %w", err)
	}
	got, err := next(ctx, peer)
	if err != nil {
		return err
	}
	if string(got) != "pong" {
		return fmt.Errorf("client expected pong, got %q", got)
	}
	fmt.Printf("[%s] host -> client delivered\n", time.Now().Format("15:04:05"))

	if err := peer.Close(); err != nil {
		return fmt.Errorf("client close: %w", err)
	}
	in, err = nextInbound(ctx, host)
	if err != nil {
		return err
	}
	if in.Topology == nil || *in.Topology != (client.Topology{Kind: client.Disconnect, Handle: handle}) {
		return fmt.Errorf("expected DISCONNECT for %d, got %+v", handle, in)
	}
	fmt.Printf("[%s] client departure announced\n", time.Now().Format("15:04:05"))
	return nil
}

func next(ctx context.Context, c *client.Client) ([]byte, error) {
	select {
	case b, ok := <-c.Messages():
		if !ok {
			return nil, fmt.Errorf("relay closed the connection: %v", c.Err())
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func nextInbound(ctx context.Context, host *client.Client) (client.Inbound, error) {
	b, err := next(ctx, host)
	if err != nil {
		return client.Inbound{}, err
	}
	in, err := client.ParseInbound(b)
	if err != nil {
		return client.Inbound{}, fmt.Errorf("host received %q: %w", b, err)
	}
	return in, nil
}
