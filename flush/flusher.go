package flush

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hupe1980/lsmgo/core"
	"github.com/hupe1980/lsmgo/resource"
)

// Func performs the actual flush of one column family: stream its frozen
// memtables into segments and publish the result. Supplied by the engine,
// which freezes the active memtable before scheduling the column family.
type Func func(ctx context.Context, cf core.CFID) error

// Flusher drains the Scheduler in the background. Each due column family
// is flushed on its own goroutine, bounded by the resource controller's
// flush slots.
type Flusher struct {
	sched  *Scheduler
	fn     Func
	res    *resource.Controller
	logger *slog.Logger

	notifyCh chan struct{}
	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	flushWg  sync.WaitGroup
}

// NewFlusher creates a flusher; call Start to run it.
func NewFlusher(sched *Scheduler, fn Func, res *resource.Controller, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		sched:    sched,
		fn:       fn,
		res:      res,
		logger:   logger,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (f *Flusher) Start() {
	f.loopWg.Add(1)
	go f.loop()
}

// Notify wakes the dispatch loop; coalesces with pending notifications.
func (f *Flusher) Notify() {
	select {
	case f.notifyCh <- struct{}{}:
	default:
	}
}

func (f *Flusher) loop() {
	defer f.loopWg.Done()

	for {
		select {
		case <-f.stopCh:
			f.drain(context.Background())
			return
		case <-f.notifyCh:
			f.drain(context.Background())
		}
	}
}

// drain flushes every currently scheduled column family.
func (f *Flusher) drain(ctx context.Context) {
	for {
		cf, ok := f.sched.Next()
		if !ok {
			return
		}
		if err := f.res.AcquireFlushSlot(ctx); err != nil {
			f.logger.Error("failed to acquire flush slot", "cf", cf, "error", err)
			return
		}

		f.flushWg.Add(1)
		go func(cf core.CFID) {
			defer f.flushWg.Done()
			defer f.res.ReleaseFlushSlot()

			if err := f.fn(ctx, cf); err != nil {
				f.logger.Error("flush failed", "cf", cf, "error", err)
				return
			}
			f.logger.Debug("flush completed", "cf", cf)
		}(cf)
	}
}

// Close stops the dispatcher after draining scheduled flushes and waits
// for in-flight flushes to finish.
func (f *Flusher) Close() {
	close(f.stopCh)
	f.loopWg.Wait()
	f.flushWg.Wait()
}
