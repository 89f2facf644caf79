package engine

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/archive"
	"main/internal/bus"
	"main/internal/calib"
	"main/internal/codec"
	"main/internal/mempool"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/sched"
	"main/internal/schema"
	"main/internal/shm"
	"main/internal/vol"
)

// ingestBudget bounds how many queued ticks one ingest pass drains, so
// a bursty feed cannot starve the other sub-tasks in the frame.
const ingestBudget = 256

// archiveEvery spaces the background accuracy snapshots.
const archiveEvery = time.Minute

// Core owns the full real-time cycle: feed ticks in, forecasts and
// market data out on the shared channels, control directives back in.
// Construction maps the shared segments; Close unmaps and unlinks them.
type Core struct {
	cfg   ops.Config
	pool  *mempool.Pool
	queue *bus.Queue

	mdCh  *shm.Channel
	sigCh *shm.Channel
	ctlCh *shm.Channel

	ensemble *vol.Ensemble
	runner   *calib.Runner
	sched    *sched.Scheduler
	store    *archive.Store

	// Scratch buffers reused every tick; only scheduler sub-tasks touch
	// them.
	mdBuf  []byte
	sigBuf []byte
	ctlBuf []byte

	lastPrice    float64
	ctlSeen      uint64
	lastSubmit   time.Time
	lastArchive  time.Time
	prevForecast vol.Forecast
	havePrev     bool
	calibStale   uint32

	tradingEnabled uint32
	signalsOut     uint64
	ticksIn        uint64
	directivesIn   uint64
	unknownCtl     uint64
	poolSkips      uint64
}

// New builds the core from validated configuration. It creates the
// three shared channels fresh, removing any stale segments left by a
// previous run.
func New(cfg ops.Config, store *archive.Store) (*Core, error) {
	pool, err := mempool.New(cfg.Pool.BlockCount, cfg.Pool.BlockSize)
	if err != nil {
		return nil, errors.Wrap(err, "build pool")
	}

	garch, err := vol.NewGarch(vol.Coefficients{
		Omega: cfg.Model.Omega,
		Alpha: cfg.Model.Alpha,
		Beta:  cfg.Model.Beta,
	}, cfg.Model.MaxHistory)
	if err != nil {
		return nil, errors.Wrap(err, "build garch")
	}
	var priors [vol.ModelCount]float64
	copy(priors[:], cfg.Ensemble.Priors)
	ensemble, err := vol.NewEnsemble(garch, priors, cfg.Ensemble.RealizedWindow)
	if err != nil {
		return nil, errors.Wrap(err, "build ensemble")
	}

	mdCh, err := shm.ResetChannel(cfg.Channels.MarketData.Name, cfg.Channels.MarketData.Capacity, codec.MarketDataPayloadSize)
	if err != nil {
		return nil, errors.Wrap(err, "create market data channel")
	}
	sigCh, err := shm.ResetChannel(cfg.Channels.Signal.Name, cfg.Channels.Signal.Capacity, codec.SignalPayloadSize)
	if err != nil {
		mdCh.Close()
		mdCh.Unlink()
		return nil, errors.Wrap(err, "create signal channel")
	}
	ctlCh, err := shm.ResetChannel(cfg.Channels.Control.Name, cfg.Channels.Control.Capacity, codec.ControlPayloadSize)
	if err != nil {
		mdCh.Close()
		mdCh.Unlink()
		sigCh.Close()
		sigCh.Unlink()
		return nil, errors.Wrap(err, "create control channel")
	}

	c := &Core{
		cfg:      cfg,
		pool:     pool,
		queue:    bus.NewQueue(cfg.Feed.QueueLen),
		mdCh:     mdCh,
		sigCh:    sigCh,
		ctlCh:    ctlCh,
		ensemble: ensemble,
		runner: calib.NewRunner(calib.NewMLE(calib.Limits{
			MaxIterations: cfg.Model.Calibration.MaxIterations,
			Tolerance:     cfg.Model.Calibration.Tolerance,
		})),
		store:          store,
		mdBuf:          make([]byte, codec.MarketDataPayloadSize),
		sigBuf:         make([]byte, codec.SignalPayloadSize),
		ctlBuf:         make([]byte, codec.ControlPayloadSize),
		tradingEnabled: 1,
	}

	plan := sched.Plan{
		MajorFrame:    cfg.Schedule.MajorFrame.Std(),
		CPUAffinity:   cfg.Schedule.CPUAffinity,
		RTPriority:    cfg.Schedule.RTPriority,
		SpinThreshold: cfg.Schedule.SpinThreshold.Std(),
		Tasks: []sched.Task{
			{Name: "ingest", Interval: cfg.Schedule.IngestInterval.Std(), Handler: c.ingest},
			{Name: "signal", Interval: cfg.Schedule.SignalInterval.Std(), Handler: c.signal},
			{Name: "control", Interval: cfg.Schedule.ControlInterval.Std(), Handler: c.control},
			{Name: "heartbeat", Interval: cfg.Schedule.HeartbeatInterval.Std(), Handler: c.heartbeat},
			{Name: "counters", Interval: cfg.Schedule.CountersInterval.Std(), Handler: c.counters},
		},
	}
	c.sched, err = sched.New(plan)
	if err != nil {
		c.closeChannels()
		return nil, errors.Wrap(err, "build scheduler")
	}
	return c, nil
}

// Queue exposes the tick queue for feed adapters.
func (c *Core) Queue() *bus.Queue { return c.queue }

// Pool exposes the allocator for metric registration.
func (c *Core) Pool() *mempool.Pool { return c.pool }

// Scheduler exposes the loop for metric registration.
func (c *Core) Scheduler() *sched.Scheduler { return c.sched }

// Ensemble exposes the forecaster for metric registration.
func (c *Core) Ensemble() *vol.Ensemble { return c.ensemble }

// Channel returns the shared channel of the given kind.
func (c *Core) Channel(kind schema.ChannelKind) *shm.Channel {
	switch kind {
	case schema.ChannelMarketData:
		return c.mdCh
	case schema.ChannelSignal:
		return c.sigCh
	case schema.ChannelControl:
		return c.ctlCh
	default:
		return nil
	}
}

// TradingEnabled reports the latest control-channel trading state.
func (c *Core) TradingEnabled() bool {
	return atomic.LoadUint32(&c.tradingEnabled) != 0
}

// Start launches the calibration worker and the scheduler thread.
func (c *Core) Start(ctx context.Context) error {
	if err := c.runner.Start(ctx); err != nil {
		return errors.Wrap(err, "start calibration runner")
	}
	if err := c.sched.Start(); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	return nil
}

// Stop drains the scheduler and stops the calibration worker. Shared
// segments stay mapped until Close.
func (c *Core) Stop() {
	if err := c.sched.Stop(); err != nil {
		logs.Warnf("stop scheduler: %v", err)
	}
	c.runner.Close()
	c.queue.Close()
}

// Close unmaps the shared channels and unlinks their segments.
func (c *Core) Close() {
	c.closeChannels()
}

func (c *Core) closeChannels() {
	for _, ch := range []*shm.Channel{c.mdCh, c.sigCh, c.ctlCh} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil {
			logs.Warnf("close channel %s: %v", ch.Name(), err)
		}
		if err := ch.Unlink(); err != nil {
			logs.Warnf("unlink channel %s: %v", ch.Name(), err)
		}
	}
}

// ingest drains queued ticks, updates the return series and republishes
// each tick on the market data channel. A full pool or lagging channel
// degrades to dropped records, never to a stall.
func (c *Core) ingest(now time.Time) {
	for i := 0; i < ingestBudget; i++ {
		tick, ok := c.queue.TryNext()
		if !ok {
			return
		}
		atomic.AddUint64(&c.ticksIn, 1)

		price := float64(tick.Data.Price) / float64(c.cfg.Feed.Scale)
		if price > 0 {
			if c.lastPrice > 0 {
				c.ensemble.Update(math.Log(price / c.lastPrice))
			}
			c.lastPrice = price
		}

		block, ok := c.pool.Acquire()
		if !ok {
			atomic.AddUint64(&c.poolSkips, 1)
			continue
		}
		payload := codec.EncodeMarketData(block.Buf[:0], tick.Data)
		if err := c.mdCh.Publish(payload); err != nil {
			logs.Errorf("publish market data: %v", err)
		}
		if err := c.pool.Release(block); err != nil {
			logs.Errorf("release market data block: %v", err)
		}
	}
}

// signal produces and publishes one forecast, feeds the previous
// forecast's error back into the ensemble weights and services the
// background calibration.
func (c *Core) signal(now time.Time) {
	f := c.ensemble.Forecast(c.cfg.Ensemble.Horizon)

	if c.havePrev && !f.Degraded && !c.prevForecast.Degraded {
		c.ensemble.RecordOutcome([vol.ModelCount]float64{
			vol.ModelGarch:    c.prevForecast.Garch - f.Realized,
			vol.ModelRealized: c.prevForecast.Realized - f.Realized,
			vol.ModelEwma:     c.prevForecast.Ewma - f.Realized,
		})
	}
	c.prevForecast = f
	c.havePrev = true

	var flags uint16
	if f.Degraded {
		flags |= schema.SignalFlagDegraded
	}
	if atomic.LoadUint32(&c.calibStale) != 0 {
		flags |= schema.SignalFlagCalibrationStale
	}
	sig := schema.Signal{
		SymbolID:    c.cfg.Feed.SymbolID,
		Version:     schema.SchemaVersion,
		Flags:       flags,
		Horizon:     uint32(c.cfg.Ensemble.Horizon),
		SampleCount: uint32(f.Samples),
		Forecast:    f.Value,
		GarchVol:    f.Garch,
		RealizedVol: f.Realized,
		EwmaVol:     f.Ewma,
		Variance:    c.ensemble.Garch().CurrentVariance(),
		TsPublish:   now.UnixNano(),
	}

	block, ok := c.pool.Acquire()
	if !ok {
		atomic.AddUint64(&c.poolSkips, 1)
		return
	}
	payload := codec.EncodeSignal(block.Buf[:0], sig)
	if err := c.sigCh.Publish(payload); err != nil {
		logs.Errorf("publish signal: %v", err)
	} else {
		atomic.AddUint64(&c.signalsOut, 1)
	}
	if err := c.pool.Release(block); err != nil {
		logs.Errorf("release signal block: %v", err)
	}

	c.serviceCalibration(now)
}

// serviceCalibration picks up a finished fit, applies or rejects it,
// and periodically submits a fresh one. All blocking work stays on the
// runner's goroutine.
func (c *Core) serviceCalibration(now time.Time) {
	if res, ok := c.runner.TryResult(); ok {
		err := c.ensemble.Garch().ApplyCalibration(res)
		accepted := err == nil
		if accepted {
			atomic.StoreUint32(&c.calibStale, 0)
			logs.Infof("calibration applied: omega=%g alpha=%g beta=%g ll=%g iters=%d",
				res.Coefficients.Omega, res.Coefficients.Alpha, res.Coefficients.Beta,
				res.LogLikelihood, res.Iterations)
		} else {
			atomic.StoreUint32(&c.calibStale, 1)
			logs.Warnf("calibration rejected: %v", err)
		}
		if c.store != nil {
			go func() {
				if err := c.store.SaveCalibration(res, accepted); err != nil {
					logs.Warnf("archive calibration: %v", err)
				}
			}()
		}
	}

	interval := c.cfg.Model.Calibration.Interval.Std()
	if interval <= 0 || now.Sub(c.lastSubmit) < interval {
		return
	}
	c.submitCalibration()
	c.lastSubmit = now
}

func (c *Core) submitCalibration() {
	returns := c.ensemble.Garch().Returns()
	if len(returns) < c.cfg.Model.Calibration.MinReturns {
		return
	}
	if err := c.runner.TrySubmit(returns); err != nil && err != calib.ErrBusy {
		logs.Warnf("submit calibration: %v", err)
	}
}

// control drains the control channel and applies each directive.
// Unknown directives are counted and ignored.
func (c *Core) control(now time.Time) {
	for {
		n, seq, err := c.ctlCh.TryConsume(c.ctlBuf, c.ctlSeen)
		if err != nil {
			if err != shm.ErrNoNewData {
				logs.Warnf("consume control: %v", err)
			}
			return
		}
		c.ctlSeen = seq

		directive, ok := codec.DecodeControl(c.ctlBuf[:n])
		if !ok {
			atomic.AddUint64(&c.unknownCtl, 1)
			continue
		}
		c.apply(directive)
	}
}

func (c *Core) apply(ctl schema.Control) {
	atomic.AddUint64(&c.directivesIn, 1)
	switch ctl.Directive {
	case schema.ControlEnableTrading:
		atomic.StoreUint32(&c.tradingEnabled, 1)
		logs.Info("trading enabled by control directive")
	case schema.ControlDisableTrading:
		atomic.StoreUint32(&c.tradingEnabled, 0)
		logs.Info("trading disabled by control directive")
	case schema.ControlRecalibrate:
		c.submitCalibration()
	case schema.ControlResetWeights:
		c.ensemble.ResetWeights()
		logs.Info("ensemble weights reset by control directive")
	default:
		atomic.AddUint64(&c.unknownCtl, 1)
		logs.Warnf("unknown control directive: %d", ctl.Directive)
	}
}

// heartbeat emits the periodic liveness record. Degraded health is
// reported, never a reason to stop publishing.
func (c *Core) heartbeat(now time.Time) {
	obs.Emit(obs.Heartbeat{
		TsNano:         now.UnixNano(),
		State:          c.sched.State().String(),
		Healthy:        c.ensemble.Healthy(),
		TradingEnabled: c.TradingEnabled(),
		SignalSeq:      c.sigCh.WriteSeq(),
		MarketDataSeq:  c.mdCh.WriteSeq(),
	})
}

// counters logs a one-line operational summary and archives a weight
// snapshot off-thread at a slower cadence.
func (c *Core) counters(now time.Time) {
	pool := c.pool.Snapshot()
	md := c.mdCh.Snapshot()
	sig := c.sigCh.Snapshot()
	logs.Infof("counters ticks=%d signals=%d queue_drops=%d pool_in_use=%d pool_exhausted=%d md_dropped=%d sig_dropped=%d",
		atomic.LoadUint64(&c.ticksIn), atomic.LoadUint64(&c.signalsOut), c.queue.Drops(),
		pool.InUse, pool.Exhausted, md.Dropped, sig.Dropped)

	if c.store == nil || now.Sub(c.lastArchive) < archiveEvery {
		return
	}
	c.lastArchive = now
	weights := c.ensemble.Weights()
	outcomes := c.ensemble.Outcomes()
	go func() {
		if err := c.store.SaveAccuracy(weights, outcomes); err != nil {
			logs.Warnf("archive accuracy: %v", err)
		}
	}()
}

// Stats is a point-in-time view of the core's own counters.
type Stats struct {
	TicksIn      uint64
	SignalsOut   uint64
	DirectivesIn uint64
	UnknownCtl   uint64
	PoolSkips    uint64
}

// Snapshot captures the core's counters.
func (c *Core) Snapshot() Stats {
	return Stats{
		TicksIn:      atomic.LoadUint64(&c.ticksIn),
		SignalsOut:   atomic.LoadUint64(&c.signalsOut),
		DirectivesIn: atomic.LoadUint64(&c.directivesIn),
		UnknownCtl:   atomic.LoadUint64(&c.unknownCtl),
		PoolSkips:    atomic.LoadUint64(&c.poolSkips),
	}
}
