// Command binderdemo runs a service manager and a client against an
// in-process driver and reports what they exchanged.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ngrok/binder"
)

func main() {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	lvl, err := log15.LvlFromString(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := log15.New()
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			l.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				l.Error("metrics listener failed", "err", err)
			}
		}()
	}

	d := binder.New(
		binder.WithLogger(l),
		binder.WithMetrics(reg),
		binder.WithMaxThreads(cfg.MaxThreads),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	stats, err := run(ctx, cfg, d, l)
	if err != nil {
		l.Error("demo failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("calls=%d replies=%d oneway=%d\n", stats.Calls, stats.Replies, stats.Oneway)
	if cfg.MetricsAddr != "" {
		<-ctx.Done()
	}
}
