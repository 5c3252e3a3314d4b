package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/ericselin/proxy-relay"
	"github.com/ericselin/proxy-relay/cache"
	"github.com/ericselin/proxy-relay/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	opsPortFlag        int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	serveStaleFlag     bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Config file to use (flags override its values)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&opsPortFlag, "ops-port", 9090, "Port for metrics and cache management")
	flag.StringVar(&originFlag, "origin", "", "Origin host:port to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname to send to the origin")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&serveStaleFlag, "serve-stale", false, "Serve stale entries when the origin is unreachable")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := defaultConfig()
	if configFilenameFlag != "" {
		fileConfig, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
		config = fileConfig
	}
	config.applyFlags()
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	var store cache.Store
	if config.DB == "memory" {
		store = cache.NewMemStore()
	} else {
		store = cache.NewSQLiteStore(config.DB)
	}

	m := metrics.New()
	proxy := relay.NewProxy(relay.Config{
		Cache:                     store,
		OriginAddr:                config.Origin,
		OriginHost:                config.Host,
		Logger:                    &log.Logger,
		Metrics:                   m,
		Timeout:                   time.Duration(config.TimeoutSeconds) * time.Second,
		ServeStaleOnUpstreamError: config.ServeStaleOnError,
		RangeFallback:             config.RangeFallback,
		RevalidatePerSecond:       config.RevalidatePerSecond,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveOps(ctx, m, store, config.OpsPort)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot listen")
	}
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, config.Origin, config.Host)
	if err := proxy.Serve(ctx, ln); err != nil {
		log.Fatal().Err(err).Msg("Proxy stopped")
	}
}

// serveOps runs the management endpoints on their own port: Prometheus
// metrics, a health check, and cache invalidation by key.
func serveOps(ctx context.Context, m *metrics.Metrics, store cache.Store, port int) {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	router.Delete("/cache", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key query parameter required", http.StatusBadRequest)
			return
		}
		if err := store.Invalidate(key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info().Str("key", key).Msg("Cache entry invalidated")
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Ops server stopped")
	}
}
