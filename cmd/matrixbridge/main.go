// Bridges one or more Twitch chat channels to a remote LED matrix
// display: incoming emotes and emojis resolve to cacheable images,
// uploaded to the display's small fixed-slot ingest queue, with a
// popularity-ranked backlog absorbing whatever the display can't yet
// accept.
//
// Example:
//
//	matrixbridge --matrix-hostname matrix.local:8080 somechannel
//	matrixbridge --interactive --command-port 9999
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	bridge "github.com/chatmatrix/bridge"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := bridge.ParseFlags(args)
	if err != nil {
		code, isExit, message := bridge.ExitCode(err)
		if isExit {
			fmt.Println(message)
		} else {
			fmt.Fprintln(os.Stderr, "matrixbridge:", message)
		}
		return code
	}

	if cfg.Purge {
		purger := bridge.NewCachePurger(bridge.DefaultCacheDir())
		if err := purger.Purge(); err != nil {
			fmt.Fprintln(os.Stderr, "matrixbridge:", err)
			return 1
		}
		return 0
	}

	log := bridge.NewLogger(cfg.LogLevel, cfg.Quiet, cfg.Silent)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mainWithLogger(ctx, cfg, log); err != nil && ctx.Err() == nil {
		var fatal *bridge.FatalError
		if asFatal(err, &fatal) {
			log.Error("fatal startup error", "err", fatal)
			return 1
		}
		log.Error("unrecoverable runtime error", "err", err)
		return 1
	}
	return 0
}

// asFatal walks err's Unwrap chain looking for a *bridge.FatalError, the
// only error kind that should escalate to process exit 1.
func asFatal(err error, target **bridge.FatalError) bool {
	for err != nil {
		if fe, ok := err.(*bridge.FatalError); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func mainWithLogger(ctx context.Context, cfg *bridge.Config, log *slog.Logger) error {
	registry := prometheus.NewRegistry()
	m := bridge.NewMetrics(registry)
	serveMetrics(log, registry)

	cache, err := bridge.NewImageCache(bridge.DefaultCacheDir(), bridge.DefaultFetchTimeout, log)
	if err != nil {
		return err
	}
	if err := cache.ProbeSources(ctx); err != nil {
		return err
	}

	display := bridge.NewDisplayClient(cfg.MatrixHostname, log, m)
	irc := bridge.NewIRCClient(log)

	var cmdServer *bridge.CommandServer
	if cfg.CommandPort != 0 {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.CommandPort))
		cmdServer, err = bridge.NewCommandServer(addr, bridge.Version, log, m)
		if err != nil {
			return err
		}
		go cmdServer.Serve(ctx)
		defer cmdServer.Close()
	}

	controller := bridge.NewController(cfg, cache, display, irc, cmdServer, log, m)
	return controller.Run(ctx, !cfg.Interactive)
}

func serveMetrics(log *slog.Logger, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "err", err)
		}
	}()
}
