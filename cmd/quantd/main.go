package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/archive"
	"main/internal/engine"
	"main/internal/feed"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/schema"
)

type emptyLogger struct{}

func (emptyLogger) Infof(string, ...interface{})  {}
func (emptyLogger) Debugf(string, ...interface{}) {}
func (emptyLogger) Errorf(string, ...interface{}) {}

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	profile := flag.Bool("profile", false, "Enable continuous profiling")
	profileAddr := flag.String("profile-addr", "http://localhost:4040", "Profiling server address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if *profile {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "quantd",
			ServerAddress:   *profileAddr,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	var store *archive.Store
	if cfg.Archive.Enabled {
		store, err = archive.Open(cfg.Archive)
		if err != nil {
			log.Fatalf("archive open failed: %v", err)
		}
		defer store.Close()
	}

	core, err := engine.New(cfg, store)
	if err != nil {
		log.Fatalf("engine build failed: %v", err)
	}
	defer core.Close()

	exporter := obs.NewExporter()
	exporter.RegisterPool(core.Pool())
	for _, kind := range []schema.ChannelKind{schema.ChannelMarketData, schema.ChannelSignal, schema.ChannelControl} {
		exporter.RegisterChannel(kind.String(), core.Channel(kind))
	}
	exporter.RegisterScheduler(core.Scheduler())
	exporter.RegisterEnsemble(core.Ensemble())

	srv := &http.Server{Addr: cfg.Obs.ListenAddr, Handler: exporter.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("metrics server: %v", err)
		}
	}()

	switch cfg.Feed.Kind {
	case "binance":
		bn := feed.NewBinance(ctx, core.Queue(), cfg.Feed.SymbolID, cfg.Feed.Scale)
		if err := bn.StartWebsocket(ctx); err != nil {
			log.Fatalf("feed start failed: %v", err)
		}
		if err := bn.SubscribeTrade(ctx, cfg.Feed.Symbol); err != nil {
			log.Fatalf("feed subscribe failed: %v", err)
		}
		bn.ObserveTrades(ctx)
		defer bn.Close()
	default:
		gen := feed.NewSynthetic(core.Queue(), cfg.Feed.SymbolID, cfg.Feed.Scale,
			100, 0.02, 10*time.Millisecond, time.Now().UnixNano())
		go gen.Run(ctx)
	}

	if err := core.Start(ctx); err != nil {
		log.Fatalf("engine start failed: %v", err)
	}
	logs.Infof("quantd running: feed=%s metrics=%s", cfg.Feed.Kind, cfg.Obs.ListenAddr)

	<-ctx.Done()
	logs.Info("shutting down")
	core.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Warnf("metrics server shutdown: %v", err)
	}
}
