package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/hostrelay/internal/admin"
	"github.com/SWAI-Ltd/hostrelay/internal/discovery"
	"github.com/SWAI-Ltd/hostrelay/internal/logging"
	"github.com/SWAI-Ltd/hostrelay/internal/metrics"
	"github.com/SWAI-Ltd/hostrelay/internal/relay"
)

type options struct {
	cfg       relay.Config
	adminAddr string
	mdns      bool
	name      string
	logLevel  string
	logFormat string
}

func main() {
	opts := options{cfg: relay.DefaultConfig()}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay messages between one host and many clients",
		Long: `relay accepts peer connections and elects the first one as host.
Clients' bytes reach the host as "<handle>:<payload>"; the host writes
"<handle>:<payload>" to reach a client. The host is told about clients
joining and leaving with "0:CONNECT:<handle>" and "0:DISCONNECT:<handle>".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.cfg.Addr, "addr", relay.DefaultAddr, "listen address")
	f.StringVar(&opts.cfg.Transport, "transport", opts.cfg.Transport, "tcp or quic")
	f.IntVar(&opts.cfg.MaxClients, "max-clients", relay.DefaultMaxClients, "maximum number of connected peers, host included")
	f.IntVar(&opts.cfg.ReadBufferSize, "read-buffer", opts.cfg.ReadBufferSize, "largest chunk read from a peer at once")
	f.DurationVar(&opts.cfg.WriteTimeout, "write-timeout", relay.DefaultWriteTimeout, "per-write timeout; a peer that stops reading stalls the relay this long")
	f.StringVar(&opts.adminAddr, "admin-addr", "", "serve /healthz, /members and /metrics here (empty disables)")
	f.BoolVar(&opts.mdns, "mdns", false, "advertise the relay over mDNS")
	f.StringVar(&opts.name, "name", "hostrelay", "mDNS instance name")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", "", "text or json")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %s\n", err)
		os.Exit(1)
	}
}

func run(opts options) (err error) {
	log, err := logging.FromEnv(opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.cfg.Logger = log
	opts.cfg.Metrics = metrics.New(reg, "")

	srv, err := relay.Listen(ctx, opts.cfg)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	if opts.mdns {
		port, perr := discovery.PortOf(srv.Addr())
		if perr != nil {
			return multierr.Append(perr, srv.Close())
		}
		adv, aerr := discovery.Advertise(opts.name, opts.cfg.Transport, port)
		if aerr != nil {
			return multierr.Append(aerr, srv.Close())
		}
		defer func() { err = multierr.Append(err, adv.Close()) }()
		svc, _ := discovery.ServiceType(opts.cfg.Transport)
		slog.Info("relay advertised", "name", opts.name, "service", svc, "port", port)
	}

	adminDone := make(chan error, 1)
	if opts.adminAddr != "" {
		go func() {
			aerr := admin.Serve(ctx, opts.adminAddr, admin.NewRouter(srv, reg))
			if aerr != nil {
				slog.Error("admin server failed", "err", aerr)
				cancel()
			}
			adminDone <- aerr
		}()
	} else {
		close(adminDone)
	}

	err = srv.Run(ctx)
	cancel()
	select {
	case aerr := <-adminDone:
		err = multierr.Append(err, aerr)
	case <-time.After(10 * time.Second):
	}
	if err != nil {
		return err
	}
	slog.Info("relay shutting down")
	return nil
}
