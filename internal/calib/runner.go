package calib

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"main/internal/vol"
)

var (
	ErrBusy           = errors.New("calibration already in flight")
	ErrRunnerClosed   = errors.New("calibration runner closed")
	ErrAlreadyStarted = errors.New("calibration runner already started")
)

// Runner executes blocking calibrations on a background goroutine so
// the scheduler thread is never held up; results are picked up on a
// later tick via TryResult.
type Runner struct {
	opt Optimizer
	req chan []float64
	res chan vol.CalibrationResult
	wg  sync.WaitGroup

	started uint32
	closed  uint32
	submits uint64
	busy    uint64
	failed  uint64
}

// NewRunner builds a runner around the given optimizer.
func NewRunner(opt Optimizer) *Runner {
	return &Runner{
		opt: opt,
		req: make(chan []float64, 1),
		res: make(chan vol.CalibrationResult, 1),
	}
}

// Start launches the worker goroutine.
func (r *Runner) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&r.started, 0, 1) {
		return ErrAlreadyStarted
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	return nil
}

func (r *Runner) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case returns, ok := <-r.req:
			if !ok {
				return
			}
			result, err := r.opt.Calibrate(returns)
			if err != nil {
				atomic.AddUint64(&r.failed, 1)
				logs.Warnf("calibration failed: %v", err)
				result = vol.CalibrationResult{Converged: false}
			}
			select {
			case r.res <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// TrySubmit hands a copy of the return series to the worker without
// blocking. A calibration already in flight is reported, not queued.
func (r *Runner) TrySubmit(returns []float64) error {
	if atomic.LoadUint32(&r.closed) != 0 {
		return ErrRunnerClosed
	}
	snapshot := make([]float64, len(returns))
	copy(snapshot, returns)
	select {
	case r.req <- snapshot:
		atomic.AddUint64(&r.submits, 1)
		return nil
	default:
		atomic.AddUint64(&r.busy, 1)
		return ErrBusy
	}
}

// TryResult returns a finished calibration, if any, without blocking.
func (r *Runner) TryResult() (vol.CalibrationResult, bool) {
	select {
	case res := <-r.res:
		return res, true
	default:
		return vol.CalibrationResult{}, false
	}
}

// Close stops the worker after any in-flight calibration completes.
func (r *Runner) Close() {
	if atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		close(r.req)
	}
	r.wg.Wait()
}

// Counts returns submit/busy/failure totals.
func (r *Runner) Counts() (submits, busy, failed uint64) {
	return atomic.LoadUint64(&r.submits), atomic.LoadUint64(&r.busy), atomic.LoadUint64(&r.failed)
}
