// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Command relayserver runs the streaming HTTP rendezvous relay.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/linkdata/relay"
)

func main() {
	app := &cli.App{
		Name:    "relayserver",
		Usage:   "streaming HTTP rendezvous relay",
		Version: relay.Version,
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "http-port",
				Value: 8080,
				Usage: "HTTP port to listen on",
			},
			&cli.BoolFlag{
				Name:  "enable-https",
				Usage: "also serve HTTPS",
			},
			&cli.UintFlag{
				Name:  "https-port",
				Usage: "HTTPS port to listen on",
			},
			&cli.StringFlag{
				Name:  "crt-path",
				Usage: "TLS certificate file",
			},
			&cli.StringFlag{
				Name:  "key-path",
				Usage: "TLS private key file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"RELAY_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "cpuprofile",
				Usage: "write a CPU profile to this directory",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	if dir := c.String("cpuprofile"); dir != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(dir)).Stop()
	}

	srv := &relay.Server{
		Addr:    fmt.Sprintf(":%d", c.Uint("http-port")),
		Handler: relay.New(logger),
		Logger:  logger,
	}
	if c.Bool("enable-https") {
		if !c.IsSet("https-port") || c.String("crt-path") == "" || c.String("key-path") == "" {
			return fmt.Errorf("--enable-https requires --https-port, --crt-path and --key-path")
		}
		srv.TLSAddr = fmt.Sprintf(":%d", c.Uint("https-port"))
		srv.CertFile = c.String("crt-path")
		srv.KeyFile = c.String("key-path")
	}
	return srv.ListenAndServe()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
