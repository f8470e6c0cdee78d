package solver

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jmylchreest/acquire/internal/browser"
	"github.com/jmylchreest/acquire/internal/challenge"
)

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Rounds is how often the full strategy list is tried. Default 3.
	Rounds int
	// MaxDelay caps the pause between rounds. Default 60s.
	MaxDelay time.Duration
}

// Resolver runs strategies in order until the page is clear, pausing with a
// growing random delay between rounds.
type Resolver struct {
	strategies []Strategy
	rounds     int
	maxDelay   time.Duration
	logger     *slog.Logger

	sleep  sleepFunc
	random func() float64
}

// NewResolver creates a resolver over the given strategies.
func NewResolver(strategies []Strategy, opts ResolverOptions, logger *slog.Logger) *Resolver {
	if opts.Rounds <= 0 {
		opts.Rounds = 3
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 60 * time.Second
	}
	return &Resolver{
		strategies: strategies,
		rounds:     opts.Rounds,
		maxDelay:   opts.MaxDelay,
		logger:     logger,
		sleep:      sleepCtx,
		random:     rand.Float64,
	}
}

// DefaultStrategies returns external solving (when s is not nil), refresh,
// passive wait and human input, in that order.
func DefaultStrategies(s Solver, solveTimeout, passiveWait time.Duration, logger *slog.Logger) []Strategy {
	detector := challenge.NewDetector()
	var strategies []Strategy
	if s != nil {
		strategies = append(strategies, NewExternalStrategy(s, detector, solveTimeout, logger))
	}
	return append(strategies,
		RefreshStrategy{},
		NewWaitStrategy(detector, passiveWait),
		NewHumanInputStrategy(),
	)
}

// Solve reports whether the page ended up free of challenges. Failing to
// solve is not an error.
func (r *Resolver) Solve(ctx context.Context, page browser.Page) bool {
	return r.SolveThrough(ctx, page, "")
}

// SolveThrough is Solve for a browser egressing through proxyAddr, which
// external solvers reuse so the token matches the browser's address.
func (r *Resolver) SolveThrough(ctx context.Context, page browser.Page, proxyAddr string) bool {
	if ok, err := cleared(ctx, page); err == nil && ok {
		return true
	}
	r.logger.Warn("captcha detected, attempting to solve")

	target := Target{Page: page, Proxy: proxyAddr}
	for round := 1; round <= r.rounds; round++ {
		r.logger.Info("captcha solve round", "round", round, "of", r.rounds)

		for _, s := range r.strategies {
			ok, err := s.Attempt(ctx, target)
			if ctx.Err() != nil {
				return false
			}
			if err != nil {
				r.logger.Debug("captcha strategy failed", "strategy", s.Name(), "error", err)
				continue
			}
			if ok {
				r.logger.Info("captcha solved", "strategy", s.Name(), "round", round)
				return true
			}
		}

		if round < r.rounds {
			delay := r.delay(round)
			r.logger.Info("waiting before next captcha round", "delay", delay)
			if err := r.sleep(ctx, delay); err != nil {
				return false
			}
		}
	}

	r.logger.Error("all captcha solving rounds failed", "rounds", r.rounds)
	return false
}

// delay is uniform(5s, 15s) * (round+1), capped.
func (r *Resolver) delay(round int) time.Duration {
	secs := (5 + 10*r.random()) * float64(round+1)
	d := time.Duration(secs * float64(time.Second))
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}
