package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/optimode/verifyengine"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and job workers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "override http.addr"},
			&cli.IntFlag{Name: "workers", Usage: "override workers"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if v := c.String("addr"); v != "" {
				cfg.HTTP.Addr = v
			}
			if v := c.Int("workers"); v > 0 {
				cfg.Workers = v
			}
			return serve(c.Context, *cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg verifyengine.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := verifyengine.New(ctx, cfg, verifyengine.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Warn("close engine", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-httpErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	case err := <-runErr:
		if err != nil {
			log.Error("engine stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	e.Stop()
	log.Info("stopped")
	return nil
}

func reputationPassCommand() *cli.Command {
	return &cli.Command{
		Name:  "reputation-pass",
		Usage: "Check every active engine server against the configured RBLs once",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			e, err := verifyengine.New(c.Context, *cfg, verifyengine.Options{Logger: log})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			sum, err := e.ReputationPass(c.Context)
			if err != nil {
				return err
			}
			return printJSON(sum)
		},
	}
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "Verify addresses immediately and print the results as JSON",
		ArgsUsage: "ADDRESS [ADDRESS...]",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Value: time.Minute, Usage: "overall deadline"},
			&cli.StringFlag{Name: "helo", Usage: "verifier domain used when no servers are configured (default: hostname)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("at least one ADDRESS is required", 2)
			}
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if len(cfg.Servers) == 0 {
				cfg.Servers = []verifyengine.Server{localServer(c.String("helo"))}
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			e, err := verifyengine.New(ctx, *cfg, verifyengine.Options{Logger: log})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			results, err := e.VerifyMany(ctx, c.Args().Slice(), verifyengine.ConcurrencyOptions{Workers: 1})
			for _, r := range results {
				if r.Email == "" {
					continue
				}
				if perr := printJSON(r); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

// localServer stands in for a configured engine server so that probe
// works from any host.
func localServer(helo string) verifyengine.Server {
	if helo == "" {
		helo, _ = os.Hostname()
	}
	return verifyengine.Server{ID: "local", IP: "0.0.0.0", Active: true, VerifierDomain: helo}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
