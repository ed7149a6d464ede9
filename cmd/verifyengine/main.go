// Command verifyengine runs the verification engine: the HTTP API and job
// workers ("serve"), a one-off reputation pass, or a single probe.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/optimode/verifyengine"
	"github.com/optimode/verifyengine/internal/logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "verifyengine:", err)
		code := 1
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "verifyengine"
	app.Usage = "SMTP email verification engine"
	app.Description = `Verifies addresses by asking their mail exchangers whether they would
accept them, without sending a message.

  verifyengine serve                  - HTTP API, job workers, scheduled RBL passes
  verifyengine reputation-pass        - check every active server against the RBLs once
  verifyengine probe <address>...     - verify addresses right away and print JSON
`
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{"VERIFYENGINE_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "override logger.level",
		},
	}
	// main decides the exit code.
	app.ExitErrHandler = func(*cli.Context, error) {}
	app.Commands = []*cli.Command{
		serveCommand(),
		reputationPassCommand(),
		probeCommand(),
	}
	return app
}

// setup loads configuration and builds the logger shared by every command.
func setup(c *cli.Context) (*verifyengine.Config, *zap.Logger, error) {
	cfg, err := verifyengine.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), 2)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logger.Level = lvl
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), 2)
	}
	return cfg, log, nil
}
