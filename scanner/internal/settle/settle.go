// Package settle waits for a page's DOM to stop changing before a scan.
//
// The page side is a MutationObserver that reports each batch of mutations
// through a signal channel. Wait resolves once no signal has arrived for the
// quiet window, or unconditionally once the maximum wait has elapsed.
package settle

import (
	"context"
	"log/slog"
	"time"
)

// Observable starts mutation observation on a page. Each value received on
// signals means "the DOM changed". stop disconnects the page-side observer
// and must be safe to call once on every exit path.
type Observable interface {
	ObserveMutations(ctx context.Context) (signals <-chan struct{}, stop func(), err error)
}

// Options bounds one wait. Max below Quiet is raised to Quiet.
type Options struct {
	Quiet  time.Duration
	Max    time.Duration
	Logger *slog.Logger
}

// Result describes how a wait ended. Exactly one of Settled, TimedOut and
// Cancelled is true.
type Result struct {
	Settled   bool
	TimedOut  bool
	Cancelled bool
	Mutations int
	Elapsed   time.Duration
}

// Wait observes obs until the DOM has been quiet for opts.Quiet, opts.Max
// has elapsed, or ctx is done. It never fails: if observation cannot be
// installed it degrades to a plain quiet-window sleep.
func Wait(ctx context.Context, obs Observable, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Quiet < 0 {
		opts.Quiet = 0
	}
	if opts.Max < opts.Quiet {
		opts.Max = opts.Quiet
	}

	start := time.Now()
	var signals <-chan struct{}
	if obs != nil {
		sig, stop, err := obs.ObserveMutations(ctx)
		if err != nil {
			logger.Warn("settle: mutation observer unavailable, waiting quiet window only", "error", err)
		} else {
			signals = sig
			if stop != nil {
				defer stop()
			}
		}
	}

	quiet := time.NewTimer(opts.Quiet)
	defer quiet.Stop()
	deadline := time.NewTimer(opts.Max)
	defer deadline.Stop()

	res := Result{}
	lastChange := start
	for {
		select {
		case <-ctx.Done():
			res.Cancelled = true
			res.Elapsed = time.Since(start)
			return res

		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			res.Mutations++
			lastChange = time.Now()
			quiet.Reset(opts.Quiet)

		case <-quiet.C:
			res.Settled = true
			res.Elapsed = time.Since(start)
			return res

		case <-deadline.C:
			// A quiet window that ended together with the deadline still counts.
			if time.Since(lastChange) >= opts.Quiet {
				res.Settled = true
			} else {
				res.TimedOut = true
			}
			res.Elapsed = time.Since(start)
			logger.Debug("settle: max wait reached",
				"settled", res.Settled, "mutations", res.Mutations)
			return res
		}
	}
}
