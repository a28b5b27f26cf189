package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// Orchestrator sequences validation tiers for one request: static always
// first as a cheap fail-fast, then dynamic, then bulletproof if requested.
// Every tier outcome, including crashes and timeouts, becomes a
// ValidationResult so a report can always be produced.
type Orchestrator struct {
	runners     map[domain.Tier]domain.TierRunner
	tierTimeout time.Duration
	log         *zap.Logger
}

func NewOrchestrator(tierTimeout time.Duration, log *zap.Logger, runners ...domain.TierRunner) *Orchestrator {
	byTier := make(map[domain.Tier]domain.TierRunner, len(runners))
	for _, r := range runners {
		byTier[r.Tier()] = r
	}
	return &Orchestrator{runners: byTier, tierTimeout: tierTimeout, log: log}
}

// Validate runs every tier up to and including the requested one and
// aggregates the per-tier results under the request ID. A fatal static
// result or a tier timeout short-circuits the remaining tiers.
func (o *Orchestrator) Validate(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationReport, error) {
	report := &domain.ValidationReport{
		RequestID:   req.ID,
		Target:      req.Target,
		GeneratedAt: time.Now().UTC(),
	}

	for _, tier := range domain.TierOrder {
		runner, ok := o.runners[tier]
		if !ok {
			return nil, fmt.Errorf("no runner registered for tier %s", tier)
		}

		res := o.runTier(ctx, runner, req)
		report.Tiers = append(report.Tiers, domain.TierReport{
			Tier:       res.Tier,
			Status:     res.Status,
			DurationMs: res.Duration().Milliseconds(),
			Issues:     res.Issues,
		})

		if tier == req.Tier {
			break
		}
		if res.Fatal {
			o.log.Info("fatal issues in tier, skipping later tiers",
				zap.String("tier", string(tier)), zap.String("target", req.Target))
			break
		}
		if res.Status == domain.StatusError {
			// The tier did not run to completion; later tiers would
			// test nothing meaningful.
			break
		}
	}

	report.GeneratedAt = time.Now().UTC()
	return report, nil
}

// runTier executes one tier under its timeout, converting timeouts, crashes
// and panics into an error-status result rather than letting them escape.
func (o *Orchestrator) runTier(ctx context.Context, runner domain.TierRunner, req domain.ValidationRequest) (res *domain.ValidationResult) {
	timeout := req.TierTimeout
	if timeout <= 0 {
		timeout = o.tierTimeout
	}
	tierCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		tierCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now().UTC()
	fail := func(status domain.TierStatus, code, msg string) *domain.ValidationResult {
		return &domain.ValidationResult{
			RequestID: req.ID,
			Tier:      runner.Tier(),
			Status:    status,
			Issues: []domain.Issue{{
				Severity: domain.SeverityError,
				Code:     code,
				Message:  msg,
			}},
			StartedAt:  start,
			FinishedAt: time.Now().UTC(),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("tier panicked",
				zap.String("tier", string(runner.Tier())), zap.Any("panic", r))
			res = fail(domain.StatusError, "tier-panic", fmt.Sprintf("tier %s panicked: %v", runner.Tier(), r))
		}
	}()

	result, err := runner.Run(tierCtx, req)
	if err != nil {
		if errors.Is(tierCtx.Err(), context.DeadlineExceeded) || domain.IsKind(err, domain.KindTimeout) {
			return fail(domain.StatusError, "tier-timeout",
				fmt.Sprintf("tier %s exceeded its %s deadline", runner.Tier(), timeout))
		}
		code := "tier-error"
		if kind := domain.KindOf(err); kind != "" {
			code = "tier-" + string(kind)
		}
		return fail(domain.StatusError, code, err.Error())
	}
	return result
}
