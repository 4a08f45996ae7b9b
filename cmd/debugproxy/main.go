// Copyright 2024 The DebugProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command debugproxy runs the reverse proxy described in the root
// package: dual-timeout request forwarding with bounded in-memory
// transaction history and an optional managed upstream process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	debugproxy "github.com/YouXam/debug-proxy"
	"github.com/YouXam/debug-proxy/admin"
	"github.com/YouXam/debug-proxy/engine"
	"github.com/YouXam/debug-proxy/metrics"
	"github.com/YouXam/debug-proxy/supervisor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
)

const (
	exitOK         = 0
	exitBindFailed = 1
	exitArgError   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		port             int
		host             string
		upstreamTimeout  int
		clientTimeout    int
		maxHistory       int
		truncateBody     int
		maxBody          int
		debug            bool
	)

	cmd := &cobra.Command{
		Use:   "debugproxy UPSTREAM [-- COMMAND...]",
		Short: "An HTTP/1.1 reverse proxy that records request/response traffic for inspection.",
		Long: `debugproxy sits in front of a single upstream origin, forwarding every
request verbatim while capturing a bounded history of request/response
metadata and body previews, browsable through the admin surface.

Optionally, a trailing "-- COMMAND..." tells debugproxy to manage the
upstream itself as a child process, restarting it on crash.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", 8080, "port to listen on")
	flags.StringVar(&host, "host", "0.0.0.0", "address to listen on")
	flags.IntVarP(&upstreamTimeout, "upstream-timeout", "u", 500, "max wall time (ms) awaiting upstream response headers")
	flags.IntVarP(&clientTimeout, "client-timeout", "c", 30000, "max wall time (ms) for an entire client transaction")
	flags.IntVarP(&maxHistory, "max-history", "m", 100, "max transactions retained in memory")
	flags.IntVar(&truncateBody, "truncate-body", 1024, "bytes of each body retained as a preview")
	flags.IntVar(&maxBody, "max-body", 10<<20, "hard cap (bytes) before a body is aborted")
	flags.BoolVar(&debug, "debug", false, "use human-readable development logging")

	var exitCode int
	cmd.RunE = func(c *cobra.Command, posArgs []string) error {
		upstream := posArgs[0]
		childCommand := posArgs[1:]
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			exitCode = exitArgError
			return fmt.Errorf("invalid UPSTREAM %q: %w", upstream, err)
		}

		code, err := runServer(serverOptions{
			host:             host,
			port:             port,
			upstreamHostPort: upstream,
			childCommand:     childCommand,
			upstreamTimeout:  upstreamTimeout,
			clientTimeout:    clientTimeout,
			maxHistory:       maxHistory,
			truncateBody:     truncateBody,
			maxBody:          maxBody,
			debug:            debug,
		})
		exitCode = code
		return err
	}

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = exitArgError
		}
		fmt.Fprintln(os.Stderr, "debugproxy:", err)
	}
	return exitCode
}

type serverOptions struct {
	host             string
	port             int
	upstreamHostPort string
	childCommand     []string
	upstreamTimeout  int
	clientTimeout    int
	maxHistory       int
	truncateBody     int
	maxBody          int
	debug            bool
}

func runServer(opts serverOptions) (int, error) {
	logger, err := debugproxy.NewLogger(opts.debug)
	if err != nil {
		return exitArgError, fmt.Errorf("building logger: %w", err)
	}
	debugproxy.SetLogger(logger)
	defer logger.Sync()

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// Match the container's cgroup memory quota (or system memory)
	// the same way GOMAXPROCS above matches its CPU quota.
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(logger.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)

	if opts.truncateBody > opts.maxBody {
		return exitArgError, fmt.Errorf("--truncate-body (%d) must not exceed --max-body (%d)", opts.truncateBody, opts.maxBody)
	}

	adminToken := uuid.New().String()
	cfg := &debugproxy.Config{
		ClientTimeoutMS:   uint32(opts.clientTimeout),
		UpstreamTimeoutMS: uint32(opts.upstreamTimeout),
		MaxHistorySize:    uint32(opts.maxHistory),
		MaxBodySize:       uint32(opts.maxBody),
		TruncateBodyAt:    uint32(opts.truncateBody),
		BindHost:          opts.host,
		ListenPort:        opts.port,
		UpstreamHostPort:  opts.upstreamHostPort,
		AdminToken:        adminToken,
	}
	if err := cfg.Validate(); err != nil {
		return exitArgError, err
	}

	configs := debugproxy.NewConfigStore(cfg)
	store := debugproxy.NewStore(cfg.MaxHistorySize)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, func() float64 { return float64(store.Len()) })

	sup := supervisor.New(opts.childCommand, opts.upstreamHostPort, logger, supervisor.WithOnRestart(m.SupervisorRestarts.Inc))

	adminHandler := admin.New(admin.Dependencies{
		Configs: configs,
		Store:   store,
		Logger:  logger,
		Metrics: admin.MetricsHandler(reg),
	})

	eng := engine.New(configs, store, sup, m, adminHandler, logger)

	addr := net.JoinHostPort(opts.host, fmt.Sprintf("%d", opts.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return exitBindFailed, fmt.Errorf("listener bind failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()
	// Runs before the deferred cancel above: stop the supervisor and
	// wait for it to terminate any managed child before returning.
	defer func() {
		cancel()
		<-supDone
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- eng.Serve(ctx, ln) }()

	logger.Info("debugproxy ready",
		zap.String("listen", addr),
		zap.String("upstream", opts.upstreamHostPort),
		zap.Bool("managed_child", len(opts.childCommand) > 0))
	fmt.Printf("admin: http://%s/_proxy?token=%s\n", addr, adminToken)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
		cancel()
		<-serveErr
	case err := <-serveErr:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("listener failed", zap.Error(err))
			return exitBindFailed, err
		}
	}

	return exitOK, nil
}
