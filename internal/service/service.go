// Package service runs the long-lived loops that make up the controller and
// agent processes.
package service

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Loop is a named periodic function. Tick errors are logged, never fatal:
// the loops are written to converge from any state on the next iteration.
type Loop struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
}

// Runner drives a set of loops until its context is cancelled.
type Runner struct {
	Log *zap.Logger

	loops []Loop
}

// Add registers a loop with the runner.
func (r *Runner) Add(loop Loop) {
	r.loops = append(r.loops, loop)
}

// Run ticks every loop on its own interval until ctx is cancelled. Each loop
// runs an immediate first tick so a restart does not wait a whole interval
// to pick up existing work.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, loop := range r.loops {
		wg.Add(1)
		go func(loop Loop) {
			defer wg.Done()
			r.runLoop(ctx, loop)
		}(loop)
	}
	wg.Wait()
}

func (r *Runner) runLoop(ctx context.Context, loop Loop) {
	log := r.Log.With(zap.String("loop", loop.Name))
	log.Info("loop started", zap.Duration("interval", loop.Interval))

	for {
		start := time.Now()
		if err := loop.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info("loop stopped")
				return
			}
			log.Error("tick failed", zap.Error(err))
		} else {
			log.Debug("tick complete", zap.Duration("elapsed", time.Since(start)))
		}

		select {
		case <-ctx.Done():
			log.Info("loop stopped")
			return
		case <-time.After(loop.Interval):
		}
	}
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
