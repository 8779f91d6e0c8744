// Copyright 2026 The pool-coordinator Authors
// This file is part of pool-coordinator.
//
// pool-coordinator is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// pool-coordinator is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with pool-coordinator. If not, see <http://www.gnu.org/licenses/>.

// poolcoord is the federated compute pool coordinator daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/openmesh-pool/coordinator/node"
	"github.com/openmesh-pool/coordinator/scheduler"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dbFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "PostgreSQL DSN, or \"memory\" for the in-process store",
		Value: node.MemoryDSN,
	}
	httpHostFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP server listen interface",
		Value: "127.0.0.1",
	}
	httpPortFlag = &cli.IntFlag{
		Name:  "http.port",
		Usage: "HTTP server listen port",
		Value: 8080,
	}
	dispatchIntervalFlag = &cli.DurationFlag{
		Name:  "dispatch.interval",
		Usage: "Dispatcher tick interval",
		Value: scheduler.DefaultDispatchInterval,
	}
	emissionAtFlag = &cli.StringFlag{
		Name:  "emission.at",
		Usage: "Daily emission time (HH:MM, UTC)",
		Value: scheduler.DefaultEmissionAt,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=debug, 1=info, 2=warn, 3=error",
		Value: 1,
	}
)

func main() {
	app := &cli.App{
		Name:   "poolcoord",
		Usage:  "federated compute pool coordinator",
		Action: run,
		Flags: []cli.Flag{
			configFlag,
			dbFlag,
			httpHostFlag,
			httpPortFlag,
			dispatchIntervalFlag,
			emissionAtFlag,
			verbosityFlag,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	logger := newLogger(ctx.Int(verbosityFlag.Name))

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	n := node.New(cfg, logger)
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Start(startCtx); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	return n.Stop()
}

func newLogger(verbosity int) zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case verbosity <= 0:
		level = zerolog.DebugLevel
	case verbosity == 2:
		level = zerolog.WarnLevel
	case verbosity >= 3:
		level = zerolog.ErrorLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
