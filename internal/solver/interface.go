// Package solver gets a browser past captcha challenges: external solving
// services plus in-browser strategies, combined by a Resolver.
package solver

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/acquire/internal/challenge"
	"github.com/jmylchreest/acquire/internal/proxy"
)

// Solver is an external captcha solving service.
type Solver interface {
	Name() string
	CanSolve(challengeType challenge.Type) bool
	Solve(ctx context.Context, params SolveParams) (*SolveResult, error)
	// Balance is the remaining account credit, or -1 when the service does
	// not report one.
	Balance(ctx context.Context) (float64, error)
}

// SolveParams describes the challenge to solve.
type SolveParams struct {
	Type    challenge.Type
	SiteKey string
	PageURL string
	Action  string // Turnstile and reCAPTCHA v3
	CData   string // Turnstile
	// Proxy, when set, makes the service solve from the same egress address
	// as the browser.
	Proxy *proxy.Endpoint
}

// SolveResult is a solved challenge.
type SolveResult struct {
	Token      string
	Valid      time.Duration
	Cost       float64
	SolverName string
}

// Chain tries solvers in order.
type Chain struct {
	solvers []Solver
}

// NewChain creates a chain.
func NewChain(solvers ...Solver) *Chain {
	return &Chain{solvers: solvers}
}

func (c *Chain) Name() string {
	return "chain"
}

func (c *Chain) CanSolve(challengeType challenge.Type) bool {
	for _, s := range c.solvers {
		if s.CanSolve(challengeType) {
			return true
		}
	}
	return false
}

// Solve returns the first success, or the last error.
func (c *Chain) Solve(ctx context.Context, params SolveParams) (*SolveResult, error) {
	var lastErr error
	for _, s := range c.solvers {
		if !s.CanSolve(params.Type) {
			continue
		}
		result, err := s.Solve(ctx, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoSolverAvailable
}

// Balance sums the credit of every solver that reports one. It returns -1
// when none does, and the first error only when no balance was readable.
func (c *Chain) Balance(ctx context.Context) (float64, error) {
	total, known := 0.0, false
	var firstErr error
	for _, s := range c.solvers {
		b, err := s.Balance(ctx)
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = fmt.Errorf("%s balance: %w", s.Name(), err)
			}
		case b >= 0:
			total += b
			known = true
		}
	}
	if known {
		return total, nil
	}
	return -1, firstErr
}

var (
	ErrNoSolverAvailable = &SolverError{Message: "no solver available for this challenge type"}
	ErrSolverTimeout     = &SolverError{Message: "solver timeout"}
	ErrInsufficientFunds = &SolverError{Message: "insufficient funds"}
)

// SolverError is a failure reported by a solving service.
type SolverError struct {
	Message string
	Cause   error
}

func (e *SolverError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SolverError) Unwrap() error {
	return e.Cause
}
