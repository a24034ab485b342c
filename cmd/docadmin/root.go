// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elastic/go-docadmin"
	"github.com/elastic/go-docadmin/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// globalOptions holds the flags shared by every command, and the state
// derived from them before a command runs.
type globalOptions struct {
	configPath  string
	host        string
	port        int
	scheme      string
	cluster     string
	user        string
	password    string
	timeout     time.Duration
	refresh     string
	legacyTypes bool
	logLevel    string

	config config.File
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:          "docadmin",
		Short:        "Administer Elasticsearch indices and documents",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				opts.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&opts.host, "host", "", "Elasticsearch host (default localhost)")
	flags.IntVar(&opts.port, "port", 0, "Elasticsearch HTTP port (default 9200)")
	flags.StringVar(&opts.scheme, "scheme", "", "URL scheme, http or https")
	flags.StringVar(&opts.cluster, "cluster", "", "expected cluster name")
	flags.StringVarP(&opts.user, "user", "u", "", "basic authentication user")
	flags.StringVarP(&opts.password, "password", "p", "", "basic authentication password")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per request timeout")
	flags.StringVar(&opts.refresh, "refresh", "", "refresh policy of writes: true, false or wait_for")
	flags.BoolVar(&opts.legacyTypes, "legacy-types", false, "use typed endpoints of pre 8.0 clusters")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newPingCommand(opts),
		newIndexCommand(opts),
		newDocCommand(opts),
		newBulkCommand(opts),
	)
	return cmd
}

// init loads the configuration file and environment, then applies the flags
// that were set explicitly.
func (o *globalOptions) init(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	es := &cfg.Elasticsearch
	if flags.Changed("host") {
		es.Host = o.host
	}
	if flags.Changed("port") {
		es.Port = o.port
	}
	if flags.Changed("scheme") {
		es.Scheme = o.scheme
	}
	if flags.Changed("cluster") {
		es.ClusterName = o.cluster
	}
	if flags.Changed("user") {
		es.Username = o.user
	}
	if flags.Changed("password") {
		es.Password = o.password
	}
	if flags.Changed("timeout") {
		es.RequestTimeout = o.timeout
	}
	if flags.Changed("refresh") {
		es.Refresh = o.refresh
	}
	if flags.Changed("legacy-types") {
		es.LegacyTypes = o.legacyTypes
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	o.config = cfg

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	o.logger = logger
	return nil
}

func newLogger(cfg config.Log, w io.Writer) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoder := zapcore.NewJSONEncoder(encoderConfig)
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), level)
	return zap.New(core), nil
}

func (o *globalOptions) withConnection(ctx context.Context, fn func(*docadmin.Connection) error) error {
	cfg := o.config.Connection()
	cfg.Logger = o.logger
	return docadmin.WithConnection(ctx, cfg, fn)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPingCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Print the cluster information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				info, err := conn.Ping(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	}
}
