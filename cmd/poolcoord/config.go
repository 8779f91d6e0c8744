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

package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/openmesh-pool/coordinator/node"
)

// fileConfig is the TOML layout of --config. Command-line flags override any
// value set in the file.
type fileConfig struct {
	DB struct {
		DSN string `toml:"dsn"`
	} `toml:"db"`
	HTTP struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"http"`
	Scheduler struct {
		DispatchInterval duration `toml:"dispatch_interval"`
		EmissionAt       string   `toml:"emission_at"`
	} `toml:"scheduler"`
}

// duration unmarshals "2s"-style TOML strings.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func loadConfig(ctx *cli.Context) (node.Config, error) {
	cfg := node.Config{
		DSN:              ctx.String(dbFlag.Name),
		HTTPHost:         ctx.String(httpHostFlag.Name),
		HTTPPort:         ctx.Int(httpPortFlag.Name),
		DispatchInterval: ctx.Duration(dispatchIntervalFlag.Name),
		EmissionAt:       ctx.String(emissionAtFlag.Name),
	}

	path := ctx.String(configFlag.Name)
	if path == "" {
		return cfg, nil
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return node.Config{}, errors.Wrapf(err, "loading config %s", path)
	}
	if fc.DB.DSN != "" && !ctx.IsSet(dbFlag.Name) {
		cfg.DSN = fc.DB.DSN
	}
	if fc.HTTP.Host != "" && !ctx.IsSet(httpHostFlag.Name) {
		cfg.HTTPHost = fc.HTTP.Host
	}
	if fc.HTTP.Port != 0 && !ctx.IsSet(httpPortFlag.Name) {
		cfg.HTTPPort = fc.HTTP.Port
	}
	if fc.Scheduler.DispatchInterval != 0 && !ctx.IsSet(dispatchIntervalFlag.Name) {
		cfg.DispatchInterval = time.Duration(fc.Scheduler.DispatchInterval)
	}
	if fc.Scheduler.EmissionAt != "" && !ctx.IsSet(emissionAtFlag.Name) {
		cfg.EmissionAt = fc.Scheduler.EmissionAt
	}
	return cfg, nil
}
