package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/MrSnakeDoc/cutover/internal/build"
	"github.com/MrSnakeDoc/cutover/internal/config"
	"github.com/MrSnakeDoc/cutover/internal/console"
	"github.com/MrSnakeDoc/cutover/internal/httpserver"
	"github.com/MrSnakeDoc/cutover/internal/httpserver/deps"
	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/metrics"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/procmgr"
	"github.com/MrSnakeDoc/cutover/internal/readiness"
	"github.com/MrSnakeDoc/cutover/internal/redis"
	"github.com/MrSnakeDoc/cutover/internal/resources"
	"github.com/MrSnakeDoc/cutover/internal/rollout"
	"github.com/MrSnakeDoc/cutover/internal/stability"
	"github.com/MrSnakeDoc/cutover/internal/stage"
	redisstore "github.com/MrSnakeDoc/cutover/internal/store/redis"
	"github.com/MrSnakeDoc/cutover/internal/tracker"
	"github.com/MrSnakeDoc/cutover/internal/traffic"
	"github.com/MrSnakeDoc/cutover/internal/version"
	"github.com/MrSnakeDoc/cutover/internal/warmup"
)

const metricsPushTimeout = 5 * time.Second

// Options are the command line switches of a rollout.
type Options struct {
	ConfigPath string
	SkipBuild  bool // --pass-build
	Force      bool // --force-stop
	WriteLog   bool // --log
}

// App is one wired rollout.
type App struct {
	cfg         *config.Config
	opts        Options
	logger      logger.Logger
	console     *console.Console
	tracker     *tracker.Tracker
	metrics     *metrics.Recorder
	redisClient goredis.UniversalClient
	machine     *rollout.Machine
}

// New loads the configuration and wires every collaborator. A configured
// but unreachable Redis fails fast.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var extra []string
	if opts.WriteLog {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		extra = append(extra, filepath.Join(cfg.LogDir, "cutover.log"))
	}
	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog && console.IsTerminal(os.Stderr), extra...)
	con := console.New(os.Stdout)

	settings, err := Settings(cfg, opts)
	if err != nil {
		return nil, err
	}

	clk := clock.RealClock{}
	rec := metrics.New(cfg.ServiceName)
	tr := tracker.New(clk)
	prober := probe.NewHTTPProber(probe.Config{Observer: rec.ObserveProbe})
	runner := procmgr.NewExecRunner()
	pm2 := procmgr.NewPM2(cfg.PM2Bin, runner, loggerClient)

	builder, err := build.NewBuilder(runner, loggerClient, cfg.SourceDir, cfg.BuildCommand, os.Stdout)
	if err != nil {
		return nil, err
	}

	waiter := readiness.NewWaiter(prober, loggerClient, cfg.ProbeTimeout)
	warmer := warmup.NewEngine(prober, loggerClient, func(p warmup.Progress) {
		con.Muted("  warmup batch %d: %d/%d resolved, %d ok (timeout %s)", p.Batch, p.Completed, p.Total, p.Succeeded, p.Timeout)
	})

	var validator stability.ResourceValidator
	if cfg.Resources.Enabled {
		validator = resources.NewValidator(prober, loggerClient, resources.Config{
			RootMarker:       cfg.Resources.RootMarker,
			StaticDir:        cfg.Resources.StaticDir,
			MinScriptSize:    cfg.Resources.MinScriptSize,
			MaxScripts:       cfg.Resources.MaxScripts,
			MainPageTimeout:  cfg.Resources.MainPageTimeout,
			ScriptTimeout:    cfg.Resources.ScriptTimeout,
			StaticDirTimeout: cfg.Resources.StaticDirTimeout,
		})
	}

	a := &App{
		cfg:     cfg,
		opts:    opts,
		logger:  loggerClient,
		console: con,
		tracker: tr,
		metrics: rec,
	}

	var ledger rollout.Ledger
	if cfg.RedisAddr != "" {
		client, err := redis.Connect(context.Background(), redisOptions(cfg), loggerClient)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redisClient = client
		ledger = redisstore.NewStore(client, cfg.HistoryLimit)
	} else {
		loggerClient.Info("redis not configured, deploy lock and history disabled")
	}

	a.machine = rollout.New(rollout.Deps{
		Builder:   builder,
		Procs:     pm2,
		Stager:    stage.NewStager(runner, loggerClient, cfg.RsyncBin),
		Waiter:    waiter,
		Warmer:    warmer,
		Stability: stability.NewVerifier(pm2, waiter, validator, prober, loggerClient, cfg.SettleDelay),
		Traffic: traffic.NewVerifier(prober, loggerClient, traffic.Options{
			IdentityPath: cfg.IdentityPath,
			Timeout:      cfg.TrafficTimeout,
			SampleDelay:  cfg.TrafficSampleDelay,
		}),
		Ledger:  ledger,
		Metrics: rec,
		Tracker: tr,
		Console: con,
		Clock:   clk,
		Logger:  loggerClient,
	}, settings)

	return a, nil
}

// Settings derives the rollout description from the configuration.
func Settings(cfg *config.Config, opts Options) (rollout.Settings, error) {
	mainEP, err := probe.ParseEndpoint(cfg.MainHost())
	if err != nil {
		return rollout.Settings{}, fmt.Errorf("invalid main host: %w", err)
	}
	runningEP, err := probe.ParseEndpoint(cfg.RunningHost())
	if err != nil {
		return rollout.Settings{}, fmt.Errorf("invalid running host: %w", err)
	}
	externalEP, err := probe.ParseEndpoint(cfg.ExternalHost)
	if err != nil {
		return rollout.Settings{}, fmt.Errorf("invalid external host: %w", err)
	}

	return rollout.Settings{
		Service:        cfg.ServiceName,
		MainProcess:    cfg.MainProcess(),
		RunningProcess: cfg.RunningProcess(),
		SourceDir:      cfg.SourceDir,
		RunningDir:     cfg.RunningDir,
		Ecosystem:      cfg.Ecosystem,
		PM2Bin:         cfg.PM2Bin,

		MainEndpoint:     mainEP,
		RunningEndpoint:  runningEP,
		ExternalEndpoint: externalEP,

		SymlinkPaths:  cfg.SymlinkPaths,
		CopyPaths:     cfg.CopyPaths,
		CriticalFiles: cfg.CriticalFiles,

		MaxAttempts:   cfg.MaxAttempts,
		CheckInterval: cfg.CheckInterval,

		WarmupPaths:    cfg.WarmupPaths,
		WarmupAttempts: cfg.WarmupAttempts,
		WarmupTimeout:  cfg.WarmupTimeout,
		RequiredPaths:  cfg.RequiredPaths,

		RegistrationDelay:  cfg.RegistrationDelay,
		NotOnlineWait:      cfg.NotOnlineWait,
		WarmupRecoveryWait: cfg.WarmupRecoveryWait,

		StabilityRetries:    cfg.StabilityRetries,
		TrafficRetries:      cfg.TrafficRetries,
		TrafficSampleSize:   cfg.TrafficSampleSize,
		RetryBaseDelay:      cfg.RetryBaseDelay,
		ResponseTimeWarning: cfg.ResponseTimeWarning,

		LockTTL: cfg.LockTTL,

		SkipBuild: opts.SkipBuild,
		Force:     opts.Force,
	}, nil
}

// Run executes the rollout. The error is non-nil only for a fatal phase
// failure; a held rollout is a clean run.
func (a *App) Run() (rollout.Report, error) {
	a.logger.Infof("🚀 %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.close()

	rep, err := a.machine.Run(ctx)

	if a.opts.WriteLog {
		path, werr := a.tracker.WriteLog(a.cfg.LogDir, rep.Lines()...)
		if werr != nil {
			a.logger.Warn("failed to write deployment log", logger.Error(werr))
		} else {
			a.console.Muted("timings written to %s", path)
		}
	}

	if a.cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsPushTimeout)
		if perr := a.metrics.Push(pushCtx, a.cfg.PushgatewayURL, a.cfg.MetricsJob); perr != nil {
			a.logger.Warn("failed to push rollout metrics", logger.Error(perr))
		}
		cancel()
	}

	if err != nil {
		a.console.Error("%v", err)
	}
	return rep, err
}

func (a *App) close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		}
	}
	_ = a.logger.Sync()
}

func redisOptions(cfg *config.Config) redis.ConnectOptions {
	return redis.ConnectOptions{
		Addr:           cfg.RedisAddr,
		User:           cfg.RedisUser,
		Password:       cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		DialTimeout:    cfg.RedisDT,
		ReadTimeout:    cfg.RedisRT,
		WriteTimeout:   cfg.RedisWT,
		ConnectTimeout: cfg.RedisConnectTimeout,
		RetryInterval:  cfg.RedisRetryInterval,
		MaxWait:        cfg.RedisMaxWait,
		PingTimeout:    cfg.RedisPingTimeout,
		WarnThreshold:  cfg.RedisWarnThreshold,
	}
}

// IdentityDeps builds the dependencies of the identity sidecar.
func IdentityDeps(cfg *config.Config, log logger.Logger) deps.Deps {
	return deps.Deps{
		Logger:       log,
		StartTime:    time.Now(),
		Version:      version.Version,
		Commit:       version.Commit,
		BuildDate:    version.BuildDate,
		GoVersion:    version.GoVersion,
		TimeNow:      time.Now,
		ServerID:     cfg.ServerID,
		Env:          cfg.Env,
		RateLimit:    cfg.IdentityRate,
		AllowedCIDRS: cfg.IdentityAllowIPs,
		TrustProxy:   cfg.TrustProxy,
	}
}

// RunIdentity serves the identity sidecar until SIGINT or SIGTERM.
func RunIdentity(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)
	defer func() { _ = loggerClient.Sync() }()

	loggerClient.Infof("🚀 Starting cutover identity v%s on %s (id=%s)", version.Version, cfg.IdentityListen, cfg.ServerID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := httpserver.New(cfg.IdentityListen, IdentityDeps(cfg, loggerClient))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		loggerClient.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	loggerClient.Info("✅ identity server stopped cleanly")
	return nil
}
