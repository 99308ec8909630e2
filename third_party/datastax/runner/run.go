// Copyright (c) DataStax, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	otelgo "github.com/cqlsharp/cqldriver/otel"
	"github.com/cqlsharp/cqldriver/third_party/datastax/cqlcore"
	"github.com/cqlsharp/cqldriver/third_party/datastax/parser"
	"github.com/cqlsharp/cqldriver/utilities"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	releaseVersion = "v1.0.0"

	fs     afero.Fs  = afero.NewOsFs()
	stdout io.Writer = os.Stdout
)

const defaultConfigFile = "cqlexec.yaml"

type runConfig struct {
	Version           bool          `help:"Show current version" short:"v" default:"false" env:"CQLEXEC_VERSION"`
	Config            string        `help:"YAML configuration file (default: cqlexec.yaml when present)" short:"f" env:"CQLEXEC_CONFIG_FILE"`
	ContactPoints     []string      `help:"Contact points as host or host:port" short:"c" env:"CQLEXEC_CONTACT_POINTS"`
	Keyspace          string        `help:"Keyspace to use for unqualified tables" short:"k" env:"CQLEXEC_KEYSPACE"`
	Username          string        `help:"Username to use for authentication" short:"u" env:"CQLEXEC_USERNAME"`
	Password          string        `help:"Password to use for authentication" short:"p" env:"CQLEXEC_PASSWORD"`
	ProtocolVersion   string        `help:"Initial protocol version, lowered automatically when the cluster rejects it (options: v2, v3, v4)" default:"v4" short:"n" env:"CQLEXEC_PROTOCOL_VERSION"`
	Compression       string        `help:"Frame compression (options: none, snappy, lz4)" env:"CQLEXEC_COMPRESSION"`
	Consistency       string        `help:"Consistency level for statements" env:"CQLEXEC_CONSISTENCY"`
	PageSize          int32         `help:"Rows per page for SELECT statements" env:"CQLEXEC_PAGE_SIZE"`
	Output            string        `help:"Output format (options: plain, yaml)" default:"plain" short:"o" env:"CQLEXEC_OUTPUT"`
	Script            string        `help:"File of statements, one per line. Lines starting with -- are skipped" short:"s" env:"CQLEXEC_SCRIPT"`
	Tracing           bool          `help:"Request tracing and print the trace of every statement" default:"false" env:"CQLEXEC_TRACING"`
	Debug             bool          `help:"Show debug logging" default:"false" env:"CQLEXEC_DEBUG"`
	HeartbeatInterval time.Duration `help:"Interval between heartbeats on idle connections" default:"30s" env:"CQLEXEC_HEARTBEAT_INTERVAL"`
	ConnectTimeout    time.Duration `help:"Duration before an attempt to connect to a node is considered timed out" default:"10s" env:"CQLEXEC_CONNECT_TIMEOUT"`
	IdleTimeout       time.Duration `help:"Duration without reads before a connection is considered unresponsive and closed" default:"60s" env:"CQLEXEC_IDLE_TIMEOUT"`
	LogLevel          string        `help:"Log level configuration." default:"info" env:"CQLEXEC_LOG_LEVEL"`
	Statements        []string      `arg:"" optional:"" help:"Statements to run in order"`
}

// Run starts the cqlexec command. 'args' shouldn't include the executable
// (i.e. os.Args[1:]). It returns the exit code for the command.
func Run(ctx context.Context, args []string) int {
	var cfg runConfig

	cli, err := kong.New(&cfg, kong.Name("cqlexec"), kong.Description("Runs CQL statements against a cluster."))
	if err != nil {
		panic(err)
	}

	var cliCtx *kong.Context
	if cliCtx, err = cli.Parse(args); err != nil {
		cli.Errorf("error parsing flags: %v", err)
		return 1
	}

	if cfg.Version {
		fmt.Fprintln(stdout, "Version - "+releaseVersion)
		return 0
	}

	userConfig, err := loadUserConfig(cfg.Config)
	if err != nil {
		cliCtx.Errorf("%v", err)
		return 1
	}
	cfg.override(userConfig)
	if err = ValidateAndApplyDefaults(userConfig); err != nil {
		cliCtx.Errorf("%v", err)
		return 1
	}
	if err = cfg.validate(); err != nil {
		cliCtx.Errorf("%v", err)
		return 1
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	logger, err := utilities.SetupLogger(cfg.LogLevel, userConfig.LoggerConfig)
	if err != nil {
		cliCtx.Errorf("unable to create logger: %v", err)
		return 1
	}
	defer logger.Sync()

	statements, err := cfg.statements()
	if err != nil {
		cliCtx.Errorf("%v", err)
		return 1
	}
	if len(statements) == 0 {
		cliCtx.Errorf("no statements to run")
		return 1
	}

	logger.Debug("Configuration - ", zap.Any("UserConfig", userConfig))

	session, closeAll, err := connect(ctx, &cfg, userConfig, logger)
	if err != nil {
		logger.Error("unable to connect", zap.Error(err))
		return 1
	}
	defer closeAll()

	code := 0
	for _, stmt := range statements {
		if err = execute(ctx, session, &cfg, userConfig, stmt); err != nil {
			logger.Error("statement failed",
				zap.String("query", stmt),
				zap.Stringer("kind", cqlcore.Classify(err)),
				zap.Error(err))
			code = 1
		}
	}
	return code
}

func loadUserConfig(path string) (*UserConfig, error) {
	if path == "" {
		exists, err := afero.Exists(fs, defaultConfigFile)
		if err != nil || !exists {
			return &UserConfig{}, nil
		}
		path = defaultConfigFile
	}
	config, err := LoadConfig(fs, path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file %s: %w", path, err)
	}
	return config, nil
}

// override lets flags win over the configuration file.
func (c *runConfig) override(userConfig *UserConfig) {
	cluster := &userConfig.Cluster
	if len(c.ContactPoints) > 0 {
		cluster.ContactPoints = c.ContactPoints
	}
	if c.Keyspace != "" {
		cluster.Keyspace = c.Keyspace
	}
	if c.Username != "" {
		cluster.Username = c.Username
	}
	if c.Compression != "" {
		cluster.Compression = c.Compression
	}
	if c.Consistency != "" {
		cluster.Consistency = c.Consistency
	}
	if c.PageSize != 0 {
		cluster.PageSize = c.PageSize
	}
}

func (c *runConfig) validate() error {
	if c.HeartbeatInterval >= c.IdleTimeout {
		return fmt.Errorf("idle-timeout must be greater than heartbeat-interval (heartbeat interval: %s, idle timeout: %s)",
			c.HeartbeatInterval, c.IdleTimeout)
	}
	if _, ok := parseProtocolVersion(c.ProtocolVersion); !ok {
		return fmt.Errorf("unsupported protocol version: %s", c.ProtocolVersion)
	}
	if c.Output != outputPlain && c.Output != outputYAML {
		return fmt.Errorf("unsupported output format: %s", c.Output)
	}
	if c.Debug {
		return nil
	}
	switch c.LogLevel {
	case "info", "debug", "error", "warn":
		return nil
	}
	return errors.New("Invalid log-level should be [info/debug/error/warn]")
}

// statements are the positional statements followed by the script's.
func (c *runConfig) statements() ([]string, error) {
	statements := append([]string(nil), c.Statements...)
	if c.Script == "" {
		return statements, nil
	}
	data, err := afero.ReadFile(fs, c.Script)
	if err != nil {
		return nil, fmt.Errorf("unable to read script %s: %w", c.Script, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") || strings.HasPrefix(line, "//") {
			continue
		}
		statements = append(statements, line)
	}
	return statements, nil
}

func connect(ctx context.Context, cfg *runConfig, userConfig *UserConfig, logger *zap.Logger) (*cqlcore.Session, func(), error) {
	cluster := userConfig.Cluster
	version, _ := parseProtocolVersion(cfg.ProtocolVersion)
	compression, _ := parseCompression(cluster.Compression)
	consistency, _ := parseConsistency(cluster.Consistency)
	requestTimeout, _ := time.ParseDuration(cluster.RequestTimeout)

	var auth cqlcore.Authenticator
	if cluster.Username != "" || cfg.Password != "" {
		password := cfg.Password
		if password == "" && cluster.PasswordSecret != "" {
			var err error
			if password, err = resolvePassword(ctx, cluster.PasswordSecret); err != nil {
				return nil, nil, err
			}
		}
		auth = cqlcore.NewPasswordAuth(cluster.Username, password)
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	telemetry, shutdown, err := newTelemetry(ctx, userConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	if shutdown != nil {
		closers = append(closers, func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("error shutting down telemetry", zap.Error(err))
			}
		})
	}

	logger.Info("connecting",
		zap.Strings("contactPoints", cluster.ContactPoints),
		zap.String("protocolVersion", version.String()),
		zap.String("compression", compression))
	c, err := cqlcore.ConnectCluster(ctx, cqlcore.ClusterConfig{
		Version:           version,
		Auth:              auth,
		Resolver:          cqlcore.NewResolver(cluster.ContactPoints...),
		Compression:       compression,
		HeartBeatInterval: cfg.HeartbeatInterval,
		ConnectTimeout:    cfg.ConnectTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		Logger:            logger,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = c.Close() })
	logger.Info("connected",
		zap.String("cluster", c.Info.ClusterName),
		zap.String("releaseVersion", c.Info.ReleaseVersion),
		zap.Uint8("negotiatedVersion", uint8(c.NegotiatedVersion)))

	var cache cqlcore.PreparedCache
	if cluster.PreparedCacheSize > 0 {
		if cache, err = cqlcore.NewLRUPreparedCache(cluster.PreparedCacheSize); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	session, err := cqlcore.ConnectSession(ctx, c, cqlcore.SessionConfig{
		Auth:              auth,
		Compression:       compression,
		Keyspace:          cluster.Keyspace,
		NumConns:          cluster.NumConns,
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartBeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		RequestTimeout:    requestTimeout,
		Consistency:       &consistency,
		PageSize:          cluster.PageSize,
		PreparedCache:     cache,
		Telemetry:         telemetry,
		Logger:            logger,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = session.Close() })
	return session, closeAll, nil
}

func newTelemetry(ctx context.Context, userConfig *UserConfig, logger *zap.Logger) (*otelgo.OpenTelemetry, func(context.Context) error, error) {
	if userConfig.Otel == nil || !userConfig.Otel.Enabled {
		return nil, nil, nil
	}
	o := userConfig.Otel
	return otelgo.NewOpenTelemetry(ctx, &otelgo.OTelConfig{
		OTELEnabled:        true,
		TraceEnabled:       o.Traces.Enabled,
		MetricEnabled:      o.Metrics.Enabled,
		TracerEndpoint:     o.Traces.Endpoint,
		MetricEndpoint:     o.Metrics.Endpoint,
		TraceSampleRatio:   o.Traces.SamplingRatio,
		ServiceName:        o.ServiceName,
		ServiceVersion:     releaseVersion,
		Keyspace:           userConfig.Cluster.Keyspace,
		Cluster:            strings.Join(userConfig.Cluster.ContactPoints, ","),
		HealthCheckEnabled: o.HealthCheck.Enabled,
		HealthCheckEp:      o.HealthCheck.Endpoint,
	}, logger)
}

func execute(ctx context.Context, session *cqlcore.Session, cfg *runConfig, userConfig *UserConfig, query string) error {
	consistency, _ := parseConsistency(userConfig.Cluster.Consistency)
	stmt := &cqlcore.Statement{
		Query:       query,
		Consistency: &consistency,
		PageSize:    userConfig.Cluster.PageSize,
		Tracing:     cfg.Tracing,
	}

	var result *cqlcore.Result
	if parser.Classify(query) == parser.KindSelect {
		cur := session.IterQuery(stmt)
		rows, err := cur.All(ctx)
		if err != nil {
			return err
		}
		if err = printRows(stdout, cfg.Output, cur.Page().Columns(), rows); err != nil {
			return err
		}
		result = cur.Result()
	} else {
		var err error
		if result, err = session.Query(ctx, stmt); err != nil {
			return err
		}
		if err = printResult(stdout, cfg.Output, result); err != nil {
			return err
		}
	}

	if cfg.Tracing && result != nil && result.TracingID != nil {
		return printTrace(ctx, session, *result.TracingID)
	}
	return nil
}

func printResult(w io.Writer, format string, result *cqlcore.Result) error {
	switch result.Kind {
	case primitive.ResultTypeRows:
		rs := result.Rows
		rows := make([]cqlcore.Row, rs.RowCount())
		for i := range rows {
			rows[i] = rs.Row(i)
		}
		return printRows(w, format, rs.Columns(), rows)
	case primitive.ResultTypeSetKeyspace:
		_, err := fmt.Fprintf(w, "Now using keyspace %s\n", result.Keyspace)
		return err
	case primitive.ResultTypeSchemaChange:
		change := result.SchemaChange
		name := change.Keyspace
		if change.Object != "" {
			name += "." + change.Object
		}
		_, err := fmt.Fprintf(w, "%s %s %s\n", change.ChangeType, change.Target, name)
		return err
	}
	return nil
}

func printTrace(ctx context.Context, session *cqlcore.Session, id primitive.UUID) error {
	trace, err := session.Trace(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\nTracing session: %s\n\n", trace.ID)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "activity\tsource\tsource_elapsed")
	for _, event := range trace.Events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", event.Activity, event.Source, event.SourceElapsed)
	}
	if trace.Duration != nil {
		fmt.Fprintf(tw, "Request complete\t%s\t%s\n", trace.Coordinator, *trace.Duration)
	}
	return tw.Flush()
}
