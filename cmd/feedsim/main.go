package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/feed"
)

// feedsim exercises a feed adapter standalone: it drains the adapter's
// tick queue and reports throughput, so venue connectivity and tick
// shape can be verified without starting the engine.
func main() {
	kind := flag.String("feed", "synthetic", "Feed kind: synthetic or binance")
	symbol := flag.String("symbol", "BTCUSDT", "Venue symbol for the binance feed")
	scale := flag.Int64("scale", 100_000_000, "Fixed-point price scale")
	interval := flag.Duration("interval", 10*time.Millisecond, "Synthetic tick interval")
	report := flag.Duration("report", 5*time.Second, "Throughput report interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := bus.NewQueue(4096)

	switch *kind {
	case "binance":
		bn := feed.NewBinance(ctx, queue, 1, *scale)
		if err := bn.StartWebsocket(ctx); err != nil {
			log.Fatalf("feed start failed: %v", err)
		}
		if err := bn.SubscribeTrade(ctx, *symbol); err != nil {
			log.Fatalf("feed subscribe failed: %v", err)
		}
		bn.ObserveTrades(ctx)
		defer bn.Close()
	case "synthetic":
		gen := feed.NewSynthetic(queue, 1, *scale, 100, 0.02, *interval, time.Now().UnixNano())
		go gen.Run(ctx)
	default:
		log.Fatalf("unknown feed kind: %q", *kind)
	}

	ticker := time.NewTicker(*report)
	defer ticker.Stop()

	var total uint64
	var last float64
	for {
		select {
		case <-ctx.Done():
			logs.Infof("feedsim done: ticks=%d drops=%d last=%.8f", total, queue.Drops(), last)
			return
		case <-ticker.C:
			logs.Infof("feedsim: ticks=%d drops=%d last=%.8f", total, queue.Drops(), last)
		default:
			tick, ok := queue.TryNext()
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			total++
			last = float64(tick.Data.Price) / float64(*scale)
		}
	}
}
