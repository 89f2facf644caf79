package engine

import (
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/ops"
	"main/internal/schema"
	"main/internal/shm"
	"main/internal/vol"
)

func testConfig() ops.Config {
	cfg := ops.Default()
	suffix := fmt.Sprintf("%d.%d", os.Getpid(), time.Now().UnixNano())
	cfg.Channels.MarketData = ops.ChannelConfig{Name: "qvtest.md." + suffix, Capacity: 64}
	cfg.Channels.Signal = ops.ChannelConfig{Name: "qvtest.sig." + suffix, Capacity: 16}
	cfg.Channels.Control = ops.ChannelConfig{Name: "qvtest.ctl." + suffix, Capacity: 8}
	cfg.Pool = ops.PoolConfig{BlockCount: 16, BlockSize: 128}
	cfg.Model.Calibration.MinReturns = 30
	cfg.Feed.QueueLen = 512
	return cfg
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func pushTick(t *testing.T, c *Core, price float64) {
	t.Helper()
	px := int64(price * float64(c.cfg.Feed.Scale))
	err := c.queue.TryPublish(bus.Tick{
		Data: schema.MarketData{
			SymbolID: c.cfg.Feed.SymbolID,
			Kind:     schema.MarketDataTrade,
			Price:    schema.Price(px),
			Size:     schema.Quantity(c.cfg.Feed.Scale),
			TsEvent:  time.Now().UnixNano(),
		},
		TsRecv: time.Now().UnixNano(),
	})
	require.NoError(t, err)
}

func TestIngestUpdatesReturnsAndRepublishes(t *testing.T) {
	c := newTestCore(t)

	prices := []float64{100, 101, 100.5, 102, 101.2}
	for _, p := range prices {
		pushTick(t, c, p)
	}
	c.ingest(time.Now())

	require.Equal(t, len(prices)-1, c.ensemble.Garch().HistoryLen())
	require.Equal(t, uint64(len(prices)), c.Snapshot().TicksIn)

	reader, err := shm.OpenChannel(c.cfg.Channels.MarketData.Name)
	require.NoError(t, err)
	defer reader.Close()

	buf := make([]byte, codec.MarketDataPayloadSize)
	var seen uint64
	for i, want := range prices {
		n, seq, err := reader.TryConsume(buf, seen)
		require.NoError(t, err, "record %d", i)
		seen = seq
		md, ok := codec.DecodeMarketData(buf[:n])
		require.True(t, ok)
		require.Equal(t, int64(want*float64(c.cfg.Feed.Scale)), int64(md.Price))
	}
	_, _, err = reader.TryConsume(buf, seen)
	require.Equal(t, shm.ErrNoNewData, err)
}

func TestSignalDegradesWithoutHistory(t *testing.T) {
	c := newTestCore(t)
	c.signal(time.Now())

	reader, err := shm.OpenChannel(c.cfg.Channels.Signal.Name)
	require.NoError(t, err)
	defer reader.Close()

	buf := make([]byte, codec.SignalPayloadSize)
	n, _, err := reader.TryConsume(buf, 0)
	require.NoError(t, err)
	sig, ok := codec.DecodeSignal(buf[:n])
	require.True(t, ok)

	require.Equal(t, schema.SchemaVersion, sig.Version)
	require.NotZero(t, sig.Flags&schema.SignalFlagDegraded)
	require.Equal(t, vol.DefaultVolatility, sig.Forecast)
	require.Equal(t, uint32(0), sig.SampleCount)
}

func TestSignalPublishesForecastWithHistory(t *testing.T) {
	c := newTestCore(t)

	price := 100.0
	for i := 0; i < 40; i++ {
		price *= math.Exp(0.01 * math.Sin(float64(i)))
		pushTick(t, c, price)
	}
	c.ingest(time.Now())
	now := time.Now()
	c.signal(now)

	reader, err := shm.OpenChannel(c.cfg.Channels.Signal.Name)
	require.NoError(t, err)
	defer reader.Close()

	buf := make([]byte, codec.SignalPayloadSize)
	n, _, err := reader.TryConsume(buf, 0)
	require.NoError(t, err)
	sig, ok := codec.DecodeSignal(buf[:n])
	require.True(t, ok)

	require.Zero(t, sig.Flags&schema.SignalFlagDegraded)
	require.Equal(t, uint32(39), sig.SampleCount)
	require.Greater(t, sig.Forecast, 0.0)
	require.Greater(t, sig.GarchVol, 0.0)
	require.Greater(t, sig.RealizedVol, 0.0)
	require.Greater(t, sig.Variance, 0.0)
	require.Equal(t, now.UnixNano(), sig.TsPublish)
}

func TestControlTogglesTrading(t *testing.T) {
	c := newTestCore(t)
	require.True(t, c.TradingEnabled())

	writer, err := shm.OpenChannel(c.cfg.Channels.Control.Name)
	require.NoError(t, err)
	defer writer.Close()

	publish := func(d schema.ControlDirective) {
		payload := codec.EncodeControl(nil, schema.Control{
			Directive: d,
			SymbolID:  c.cfg.Feed.SymbolID,
			TsIssued:  time.Now().UnixNano(),
		})
		require.NoError(t, writer.Publish(payload))
	}

	publish(schema.ControlDisableTrading)
	c.control(time.Now())
	require.False(t, c.TradingEnabled())

	publish(schema.ControlEnableTrading)
	c.control(time.Now())
	require.True(t, c.TradingEnabled())
}

func TestControlResetWeightsRestoresPriors(t *testing.T) {
	c := newTestCore(t)

	var priors [vol.ModelCount]float64
	copy(priors[:], c.cfg.Ensemble.Priors)

	for i := 0; i < 50; i++ {
		c.ensemble.RecordOutcome([vol.ModelCount]float64{0.5, 0.01, 0.3})
	}
	require.NotEqual(t, priors, c.ensemble.Weights())

	writer, err := shm.OpenChannel(c.cfg.Channels.Control.Name)
	require.NoError(t, err)
	defer writer.Close()
	payload := codec.EncodeControl(nil, schema.Control{Directive: schema.ControlResetWeights})
	require.NoError(t, writer.Publish(payload))

	c.control(time.Now())
	require.Equal(t, priors, c.ensemble.Weights())
}

func TestControlRecalibrateSubmits(t *testing.T) {
	c := newTestCore(t)

	price := 100.0
	for i := 0; i < 40; i++ {
		price *= math.Exp(0.005 * math.Cos(float64(i)))
		pushTick(t, c, price)
	}
	c.ingest(time.Now())

	writer, err := shm.OpenChannel(c.cfg.Channels.Control.Name)
	require.NoError(t, err)
	defer writer.Close()
	payload := codec.EncodeControl(nil, schema.Control{Directive: schema.ControlRecalibrate})
	require.NoError(t, writer.Publish(payload))

	c.control(time.Now())
	submits, _, _ := c.runner.Counts()
	require.Equal(t, uint64(1), submits)
}

func TestControlUnknownDirectiveCounted(t *testing.T) {
	c := newTestCore(t)

	writer, err := shm.OpenChannel(c.cfg.Channels.Control.Name)
	require.NoError(t, err)
	defer writer.Close()
	payload := codec.EncodeControl(nil, schema.Control{Directive: schema.ControlDirective(99)})
	require.NoError(t, writer.Publish(payload))

	c.control(time.Now())
	require.Equal(t, uint64(1), c.Snapshot().UnknownCtl)
	require.True(t, c.TradingEnabled())
}

func TestCloseUnlinksSegments(t *testing.T) {
	cfg := testConfig()
	c, err := New(cfg, nil)
	require.NoError(t, err)
	c.Close()

	for _, name := range []string{
		cfg.Channels.MarketData.Name,
		cfg.Channels.Signal.Name,
		cfg.Channels.Control.Name,
	} {
		_, err := shm.OpenChannel(name)
		require.Equal(t, shm.ErrSegmentNotFound, err)
	}
}
