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

	"main/internal/codec"
	"main/internal/schema"
	"main/internal/shm"
)

// enginesim stands in for the downstream trading engine: it maps the
// shared channels a running quantd owns, tails market data and
// forecast signals, and can issue control directives back.
func main() {
	mdName := flag.String("md", "qv.marketdata", "Market data channel name")
	sigName := flag.String("signal", "qv.signal", "Signal channel name")
	ctlName := flag.String("control", "qv.control", "Control channel name")
	send := flag.String("send", "", "Directive to send: enable-trading, disable-trading, recalibrate, reset-weights")
	symbolID := flag.Uint("symbol-id", 1, "Symbol the directive applies to")
	quiet := flag.Bool("quiet", false, "Suppress per-record market data logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *send != "" {
		if err := sendDirective(*ctlName, *send, uint32(*symbolID)); err != nil {
			log.Fatalf("send directive failed: %v", err)
		}
		return
	}

	mdCh, err := shm.OpenChannel(*mdName)
	if err != nil {
		log.Fatalf("open market data channel failed: %v", err)
	}
	defer mdCh.Close()
	sigCh, err := shm.OpenChannel(*sigName)
	if err != nil {
		log.Fatalf("open signal channel failed: %v", err)
	}
	defer sigCh.Close()

	tail(ctx, mdCh, sigCh, *quiet)
}

func sendDirective(ctlName, name string, symbolID uint32) error {
	var directive schema.ControlDirective
	switch name {
	case "enable-trading":
		directive = schema.ControlEnableTrading
	case "disable-trading":
		directive = schema.ControlDisableTrading
	case "recalibrate":
		directive = schema.ControlRecalibrate
	case "reset-weights":
		directive = schema.ControlResetWeights
	default:
		log.Fatalf("unknown directive: %q", name)
	}

	ch, err := shm.OpenChannel(ctlName)
	if err != nil {
		return err
	}
	defer ch.Close()

	payload := codec.EncodeControl(nil, schema.Control{
		Directive: directive,
		SymbolID:  symbolID,
		TsIssued:  time.Now().UnixNano(),
	})
	if err := ch.Publish(payload); err != nil {
		return err
	}
	logs.Infof("sent %s for symbol %d", name, symbolID)
	return nil
}

func tail(ctx context.Context, mdCh, sigCh *shm.Channel, quiet bool) {
	mdBuf := make([]byte, mdCh.SlotSize())
	sigBuf := make([]byte, sigCh.SlotSize())
	var mdSeen, sigSeen uint64

	for {
		select {
		case <-ctx.Done():
			md := mdCh.Snapshot()
			sig := sigCh.Snapshot()
			logs.Infof("enginesim done: md_consumed=%d md_dropped=%d sig_consumed=%d sig_dropped=%d",
				md.Consumed, md.Dropped, sig.Consumed, sig.Dropped)
			return
		default:
		}

		progressed := false
		if n, seq, err := mdCh.TryConsume(mdBuf, mdSeen); err == nil {
			mdSeen = seq
			progressed = true
			if md, ok := codec.DecodeMarketData(mdBuf[:n]); ok && !quiet {
				logs.Infof("md seq=%d symbol=%d price=%d size=%d", seq, md.SymbolID, md.Price, md.Size)
			}
		} else if err != shm.ErrNoNewData {
			logs.Warnf("consume market data: %v", err)
		}

		if n, seq, err := sigCh.TryConsume(sigBuf, sigSeen); err == nil {
			sigSeen = seq
			progressed = true
			if sig, ok := codec.DecodeSignal(sigBuf[:n]); ok {
				logs.Infof("signal seq=%d forecast=%.6f garch=%.6f realized=%.6f ewma=%.6f samples=%d flags=%#x",
					seq, sig.Forecast, sig.GarchVol, sig.RealizedVol, sig.EwmaVol, sig.SampleCount, sig.Flags)
			}
		} else if err != shm.ErrNoNewData {
			logs.Warnf("consume signal: %v", err)
		}

		if !progressed {
			time.Sleep(time.Millisecond)
		}
	}
}
