/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/l7mp/amnesia/internal/buildinfo"
	"github.com/l7mp/amnesia/pkg/auth"
	"github.com/l7mp/amnesia/pkg/config"
	"github.com/l7mp/amnesia/pkg/journal"
	"github.com/l7mp/amnesia/pkg/metrics"
	"github.com/l7mp/amnesia/pkg/publisher"
	"github.com/l7mp/amnesia/pkg/recommender"
	"github.com/l7mp/amnesia/pkg/server"
	"github.com/l7mp/amnesia/pkg/visualize"
)

type options struct {
	configFile  string
	verbosity   int
	listen      string
	journalPath string
	inMemory    bool
	syncWrites  bool
	redisAddr   string
	format      string
	jsonPath    string
	username    string
	readOnly    bool
	ttl         time.Duration
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "amnesia",
		Short:         "Incremental item-similarity recommender that can forget",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().IntVarP(&opts.verbosity, "verbosity", "v", 0, "log verbosity, higher is more verbose")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the recommender over websocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.listen, "listen", "", "listen address, overrides the configuration")
	serveCmd.Flags().StringVar(&opts.journalPath, "journal", "", "journal directory, overrides the configuration")
	serveCmd.Flags().BoolVar(&opts.inMemory, "in-memory", false, "keep the journal in memory")
	serveCmd.Flags().BoolVar(&opts.syncWrites, "sync-writes", false, "fsync every journaled request")
	serveCmd.Flags().StringVar(&opts.redisAddr, "redis", "", "mirror recommendations into the Redis server at this address")

	replayCmd := &cobra.Command{
		Use:   "replay [journal]",
		Short: "Print the diff stream of a journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args)
		},
	}
	replayCmd.Flags().StringVarP(&opts.jsonPath, "jsonpath", "j", "", "print only the values a JSONPath expression selects from each record")

	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dataflow graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGraph(cmd, opts)
		},
	}
	graphCmd.Flags().StringVarP(&opts.format, "format", "f", "dot", "diagram format: dot or mermaid")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a peer token signed with the configured auth secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(cmd, opts)
		},
	}
	tokenCmd.Flags().StringVarP(&opts.username, "username", "u", "", "user name of the peer")
	tokenCmd.Flags().BoolVar(&opts.readOnly, "read-only", false, "the peer may only receive diffs")
	tokenCmd.Flags().DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	tokenCmd.MarkFlagRequired("username") //nolint:errcheck

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Get().String())
		},
	}

	rootCmd.AddCommand(serveCmd, replayCmd, graphCmd, tokenCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbosity int) (logr.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	zl, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to create logger: %w", err)
	}
	return zapr.NewLogger(zl).WithName("amnesia"), nil
}

func loadConfig(opts *options) (*config.Config, error) {
	if opts.configFile == "" {
		return config.Default(), nil
	}
	return config.Load(opts.configFile)
}

func runServe(cmd *cobra.Command, opts *options) error {
	log, err := newLogger(opts.verbosity)
	if err != nil {
		return err
	}
	setupLog := log.WithName("setup")

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddress = opts.listen
	}
	if flags.Changed("journal") {
		cfg.Journal.Path = opts.journalPath
	}
	if flags.Changed("in-memory") {
		cfg.Journal.InMemory = opts.inMemory
	}
	if flags.Changed("sync-writes") {
		cfg.Journal.SyncWrites = opts.syncWrites
	}
	if flags.Changed("redis") {
		cfg.Redis = &config.RedisConfig{Address: opts.redisAddr, KeyPrefix: publisher.DefaultKeyPrefix}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLog.Info(fmt.Sprintf("starting %s", buildinfo.Get().String()), "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	j, err := journal.Open(journal.Config{
		Path:       cfg.Journal.Path,
		InMemory:   cfg.Journal.InMemory,
		SyncWrites: cfg.Journal.SyncWrites,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(); err != nil {
			setupLog.Error(err, "failed to close journal")
		}
	}()

	var sinks []server.Sink
	var pub *publisher.Publisher
	if cfg.Redis != nil {
		pub, err = publisher.New(ctx, publisher.Options{
			Address:   cfg.Redis.Address,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Metrics:   m,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		defer pub.Close() //nolint:errcheck
		sinks = append(sinks, pub)
	}

	engine := recommender.NewEngine(recommender.Options{
		ScoreScale: cfg.ScoreScale,
		Journal:    j,
		Metrics:    m,
		Logger:     log,
	})

	mirror := func(u *recommender.Update) error {
		if pub == nil {
			return nil
		}
		return pub.Publish(ctx, u)
	}

	n, err := engine.Replay(ctx, j, mirror)
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	if n == 0 {
		for i := range cfg.Seed {
			u, err := engine.Apply(ctx, &cfg.Seed[i])
			if err != nil {
				return fmt.Errorf("failed to apply seed request %d: %w", i, err)
			}
			if err := mirror(u); err != nil {
				return err
			}
		}
		if len(cfg.Seed) > 0 {
			setupLog.Info("seed applied", "requests", len(cfg.Seed), "time", engine.Time())
		}
	}

	var authn *auth.Authenticator
	if cfg.Auth != nil {
		secret, err := cfg.Auth.LoadSecret()
		if err != nil {
			return err
		}
		authn = auth.NewAuthenticator(secret)
	}

	srv, err := server.New(server.Config{
		Addr:          cfg.ListenAddress,
		MetricsPath:   cfg.MetricsPath,
		Engine:        engine,
		Sinks:         sinks,
		Metrics:       m,
		Gatherer:      reg,
		Authenticator: authn,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		setupLog.Info("shutting down", "time", engine.Time())
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		setupLog.Error(err, "problem running server")
		return err
	}
	return nil
}

func runReplay(cmd *cobra.Command, opts *options, args []string) error {
	log, err := newLogger(opts.verbosity)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	path := cfg.Journal.Path
	if len(args) == 1 {
		path = args[0]
	}

	var sel *recommender.Selector
	if opts.jsonPath != "" {
		if sel, err = recommender.NewSelector(opts.jsonPath); err != nil {
			return err
		}
	}

	j, err := journal.Open(journal.Config{Path: path, Logger: log})
	if err != nil {
		return err
	}
	defer j.Close() //nolint:errcheck

	engine := recommender.NewEngine(recommender.Options{ScoreScale: cfg.ScoreScale, Logger: log})

	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush() //nolint:errcheck

	_, err = engine.Replay(cmd.Context(), j, func(u *recommender.Update) error {
		for _, m := range u.Messages {
			if sel == nil {
				if _, err := out.Write(append(m.Text, '\n')); err != nil {
					return err
				}
				continue
			}
			values, err := sel.SelectJSON(m)
			if err != nil {
				return err
			}
			for _, v := range values {
				if _, err := fmt.Fprintln(out, v); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return err
}

func runGraph(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	gen, err := visualize.NewGenerator(opts.format)
	if err != nil {
		return err
	}

	df := recommender.NewDataflow(cfg.ScoreScale, logr.Discard())
	g := visualize.BuildGraph("amnesia", df.Worker().Operators())
	fmt.Fprint(cmd.OutOrStdout(), gen.Generate(g))
	return nil
}

func runToken(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.Auth == nil {
		return errors.New("no auth secret configured")
	}
	secret, err := cfg.Auth.LoadSecret()
	if err != nil {
		return err
	}

	token, err := auth.NewTokenGenerator(secret).GenerateToken(opts.username, opts.readOnly, opts.ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
