// Package resource bounds the engine's background work: how many flushes
// run at once, how fast they may write, and how much memory live
// memtables may hold.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the resource limits.
type Config struct {
	// MaxBackgroundFlushes bounds concurrent background flushes.
	// Defaults to 1 if zero or negative.
	MaxBackgroundFlushes int64

	// FlushIOBytesPerSec throttles segment writes. 0 means unlimited.
	FlushIOBytesPerSec int64

	// MemtableMemoryLimit is a hard cap on tracked memtable bytes.
	// 0 means track only, no cap.
	MemtableMemoryLimit int64
}

// Controller enforces the configured limits. A nil Controller is valid
// and enforces nothing.
type Controller struct {
	flushSem  *semaphore.Weighted
	ioLimiter *rate.Limiter

	memSem  *semaphore.Weighted // nil when uncapped
	memUsed atomic.Int64
}

// NewController creates a controller for the given limits.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundFlushes <= 0 {
		cfg.MaxBackgroundFlushes = 1
	}

	c := &Controller{
		flushSem: semaphore.NewWeighted(cfg.MaxBackgroundFlushes),
	}
	if cfg.FlushIOBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.FlushIOBytesPerSec), int(cfg.FlushIOBytesPerSec))
	}
	if cfg.MemtableMemoryLimit > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemtableMemoryLimit)
	}
	return c
}

// AcquireFlushSlot reserves a background flush slot, blocking while all
// slots are busy.
func (c *Controller) AcquireFlushSlot(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.flushSem.Acquire(ctx, 1)
}

// ReleaseFlushSlot returns a flush slot.
func (c *Controller) ReleaseFlushSlot() {
	if c == nil {
		return
	}
	c.flushSem.Release(1)
}

// ThrottleIO waits until the IO budget allows writing n bytes.
func (c *Controller) ThrottleIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil || n <= 0 {
		return nil
	}
	// rate.Limiter caps a single WaitN at its burst; split large writes.
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// ReserveMemory records n bytes of memtable memory, blocking if a hard
// cap is configured and would be exceeded.
func (c *Controller) ReserveMemory(ctx context.Context, n int64) error {
	if c == nil || n <= 0 {
		return nil
	}
	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, n); err != nil {
			return err
		}
	}
	c.memUsed.Add(n)
	return nil
}

// ReleaseMemory returns n bytes of tracked memtable memory.
func (c *Controller) ReleaseMemory(n int64) {
	if c == nil || n <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(n)
	}
	c.memUsed.Add(-n)
}

// MemoryUsage returns the currently tracked memtable bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}
