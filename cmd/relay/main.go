package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomrelay/internal/bus"
	"github.com/Tyrowin/roomrelay/internal/metrics"
	"github.com/Tyrowin/roomrelay/internal/server"
)

// Version of the binary, assigned during build.
var Version = "dev"

// Options contains the flag options. Flags override the config file and environment.
type Options struct {
	Verbose []bool `short:"v" long:"verbose" description:"Show verbose logging (repeat for trace)."`
	Version bool   `long:"version" description:"Print version and exit."`
	Config  string `short:"c" long:"config" description:"YAML config file."`
	Addr    string `long:"addr" description:"Host and port to listen on."`
	Redis   string `long:"redis" description:"Redis URL for cross-instance fan-out."`
}

var verboseLevels = []logrus.Level{
	logrus.DebugLevel,
	logrus.TraceLevel,
}

func fail(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(code)
}

func main() {
	options := Options{}
	parser := flags.NewParser(&options, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}

	if options.Version {
		fmt.Println(Version)
		return
	}

	// Local .env is optional.
	_ = godotenv.Load()

	cfg, err := loadConfig(options)
	if err != nil {
		fail(2, "Configuration error: %v\n", err)
	}

	logger, err := server.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fail(2, "Logger error: %v\n", err)
	}
	applyVerbosity(logger, len(options.Verbose))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Relay stopped")
		os.Exit(1)
	}
}

// applyVerbosity raises the log level for n -v flags. It never lowers a level
// already set by the config.
func applyVerbosity(logger *logrus.Logger, n int) {
	if n <= 0 {
		return
	}
	if n > len(verboseLevels) {
		n = len(verboseLevels)
	}
	if lvl := verboseLevels[n-1]; lvl > logger.GetLevel() {
		logger.SetLevel(lvl)
	}
}

// loadConfig applies defaults, then the config file, then the environment, then flags.
func loadConfig(options Options) (server.Config, error) {
	cfg := server.NewConfig()
	if options.Config != "" {
		if err := server.LoadConfigFile(options.Config, cfg); err != nil {
			return server.Config{}, err
		}
	}
	server.ApplyEnv(cfg)

	if options.Addr != "" {
		cfg.Addr = options.Addr
	}
	if options.Redis != "" {
		cfg.RedisURL = options.Redis
	}
	return cfg.WithDefaults(), nil
}

func run(ctx context.Context, cfg server.Config, logger *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := server.Options{
		Metrics: metrics.New(reg),
		Logger:  logger,
	}

	if cfg.RedisURL != "" {
		b, err := bus.NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		opts.Bus = b
		logger.Info("Cross-instance fan-out enabled")
	}

	relay := server.NewRelay(cfg, opts)
	if err := relay.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	mux := server.SetupRoutes(relay, metrics.Handler(reg))
	httpServer := server.CreateServer(cfg.Addr, mux)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = relay.Shutdown(cfg.ShutdownTimeout)
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	return relay.Shutdown(cfg.ShutdownTimeout)
}
