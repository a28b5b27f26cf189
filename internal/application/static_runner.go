package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
	"github.com/deploycheck/deploycheck/internal/domain/static"
)

// StaticRunner executes the static tier: pure inspection, no database, no
// execution. Cheapest tier, always run first.
type StaticRunner struct {
	analyzer *static.Analyzer
	log      *zap.Logger
}

func NewStaticRunner(analyzer *static.Analyzer, log *zap.Logger) *StaticRunner {
	return &StaticRunner{analyzer: analyzer, log: log}
}

func (s *StaticRunner) Tier() domain.Tier { return domain.TierStatic }

func (s *StaticRunner) Run(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationResult, error) {
	start := time.Now().UTC()
	issues, fatal := s.analyzer.Analyze(req.Target)

	s.log.Debug("static tier finished",
		zap.String("target", req.Target),
		zap.Int("issues", len(issues)),
		zap.Bool("fatal", fatal))

	return &domain.ValidationResult{
		RequestID:  req.ID,
		Tier:       domain.TierStatic,
		Status:     domain.StatusForIssues(issues),
		Issues:     issues,
		StartedAt:  start,
		FinishedAt: time.Now().UTC(),
		Fatal:      fatal,
	}, nil
}
