// Command bors runs the merge-queue coordinator process: it loads the
// TOML configuration, starts one Coordinator goroutine per configured
// repository and serves the webhook, status dashboard, metrics and health
// HTTP endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bors-rs/bors/internal/cfg"
	"github.com/bors-rs/bors/internal/coordinator"
	"github.com/bors-rs/bors/internal/dashboard"
	"github.com/bors-rs/bors/internal/forge"
	"github.com/bors-rs/bors/internal/gitrepo"
	"github.com/bors-rs/bors/internal/logfields"
	"github.com/bors-rs/bors/internal/metrics"
	"github.com/bors-rs/bors/internal/webhook"
)

const appName = "bors"

var logger *zap.Logger

// Version is set via an ldflag on compilation.
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPServer(listenAddr string, mux http.Handler) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listen_addr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/bors/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the bors configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nRun the merge-queue coordinator.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// exitOnErr rather than logger.Fatal: the logger doesn't exist yet.
	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func zapEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()

	ec.LevelKey = "loglevel"
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder

	return ec
}

func initLogFmtLogger(logLevel zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(zapEncoderConfig()),
		os.Stdout,
		logLevel,
	))
}

func mustInitZapFormatLogger(format string, logLevel zapcore.Level) *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.EncoderConfig = zapEncoderConfig()
	zc.OutputPaths = []string{"stdout"}
	zc.Encoding = format
	zc.Level = zap.NewAtomicLevelAt(logLevel)

	l, err := zc.Build()
	exitOnErr("could not initialize logger", err)

	return l
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else if err := (&logLevel).Set(config.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
		os.Exit(2)
	}

	switch config.LogFormat {
	case "logfmt", "":
		logger = initLogFmtLogger(logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config.LogFormat, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		// Sync on a closed stdout commonly errors; nothing useful to do.
		_ = logger.Sync()
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// openWorkingCopy opens (cloning first, if it has no .git entry yet) the
// git working copy backing one configured repository.
func openWorkingCopy(config *cfg.Config, repo cfg.Repository) (*gitrepo.GitRepo, error) {
	opts := []gitrepo.Option{
		gitrepo.WithAuthor(gitrepo.Signature{Name: "bors", Email: "bors@localhost"}),
	}

	if config.SSHKeyPath != "" {
		opts = append(opts, gitrepo.WithSSHKey(config.SSHKeyPath))
	} else if config.GithubAPIToken != "" {
		opts = append(opts, gitrepo.WithHTTPToken(config.GithubAPIToken))
	}

	needsClone := true
	if _, err := os.Stat(filepath.Join(repo.LocalPath, ".git")); err == nil {
		needsClone = false
	}

	if needsClone {
		if err := os.MkdirAll(repo.LocalPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating working copy directory %q: %w", repo.LocalPath, err)
		}
	}

	g, err := gitrepo.Open(repo.LocalPath, opts...)
	if err != nil {
		return nil, err
	}

	if needsClone {
		url := fmt.Sprintf("https://github.com/%s/%s.git", repo.Owner, repo.Name)
		if err := g.Clone(url, repo.LocalPath); err != nil {
			return nil, fmt.Errorf("cloning %s/%s: %w", repo.Owner, repo.Name, err)
		}
	}

	return g, nil
}

func repositoryConfig(config *cfg.Config, repo cfg.Repository) coordinator.Config {
	return coordinator.Config{
		Owner:                  repo.Owner,
		Name:                   repo.Name,
		LocalPath:              repo.LocalPath,
		Remote:                 repo.Remote,
		BaseBranch:             repo.BaseBranch,
		RequiredChecks:         repo.RequiredChecks,
		DefaultMergeMethod:     forge.MergeMethod(repo.DefaultMergeMethod),
		AttemptTimeout:         repo.AttemptTimeout.Duration,
		MergeRetryCount:        config.MergeRetryCount,
		RetryMaxElapsed:        config.RetryMaxElapsedTime.Duration,
		SyncInterval:           config.SyncInterval.Duration,
		WriteUsers:             repo.WriteUsers,
		Maintainers:            repo.Maintainers,
		MaintainerOnlyCommands: repo.MaintainerOnlyCommands,
	}
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) //nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()
	mustInitLogger(config)

	if len(config.Repositories) == 0 {
		fmt.Fprintln(os.Stderr, "ERROR: configuration file defines no [[repository]] entries, nothing to do")
		os.Exit(1)
	}

	logger.Info(
		"loaded configuration",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_listen_addr", config.HTTPListenAddr),
		zap.String("github_webhook_secret", hide(config.GithubWebhookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
		zap.Int("repository_count", len(config.Repositories)),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	forgeClient := forge.NewGitHubClient(config.GithubAPIToken)
	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	coordinators := make(map[string]*coordinator.Coordinator, len(config.Repositories))
	var dashboardSources []dashboard.Source

	for _, repo := range config.Repositories {
		repoLogger := logger.With(logfields.RepositoryOwner(repo.Owner), logfields.Repository(repo.Name))

		git, err := openWorkingCopy(config, repo)
		exitOnErr(fmt.Sprintf("opening working copy for %s/%s", repo.Owner, repo.Name), err)

		coord := coordinator.New(repositoryConfig(config, repo), forgeClient, git, metricsCollector, repoLogger)

		key := repo.Owner + "/" + repo.Name
		coordinators[key] = coord
		dashboardSources = append(dashboardSources, coord)

		ctx, cancel := context.WithCancel(context.Background())
		goodbye.Register(func(context.Context, os.Signal) {
			cancel()
		})

		go func() {
			defer panicHandler()
			coord.Run(ctx)
		}()
	}

	lookup := func(owner, name string) (chan<- coordinator.Event, bool) {
		c, ok := coordinators[owner+"/"+name]
		if !ok {
			return nil, false
		}

		return c.Inbox(), true
	}

	webhookHandler := webhook.New(config.GithubWebhookSecret, lookup, logger)
	dashboardHandler := dashboard.New(dashboardSources, logger)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Post("/github", webhookHandler.ServeHTTP)
	router.Get("/status", dashboardHandler.ServeHTTP)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	logger.Info(
		"registered http routes",
		logfields.Event("http_routes_registered"),
		zap.Strings("routes", []string{"POST /github", "GET /status", "GET /metrics", "GET /healthz"}),
	)

	startHTTPServer(config.HTTPListenAddr, router)

	select {} // terminated via goodbye.Notify's signal handling
}
