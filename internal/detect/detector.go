package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"threatlens/internal/schema"
)

// Detector runs a fixed set of strategies over one analysis window and
// merges their findings. Strategies execute concurrently; a panic in
// one strategy is isolated and logged, and its contribution is simply
// absent from that run.
type Detector struct {
	strategies []Strategy
	logger     *slog.Logger
	now        func() time.Time
}

// NewDetector creates a Detector over the given strategies.
func NewDetector(strategies []Strategy, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		strategies: strategies,
		logger:     logger.With("component", "threat_detector"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NewDefaultDetector wires the four standard strategies with default
// thresholds. Predictor may be nil.
func NewDefaultDetector(predictor Predictor, logger *slog.Logger) *Detector {
	return NewDetector([]Strategy{
		NewRuleStrategy(DefaultRulesConfig()),
		NewPatternStrategy(DefaultPatterns()),
		NewAnomalyStrategy(DefaultAnomalyConfig()),
		NewFusionStrategy(DefaultFusionConfig(), predictor, logger),
	}, logger)
}

// Detect runs every strategy over the window, correlates the combined
// findings, and assigns final risk scores. Never fails; a run with no
// surviving strategies yields an empty list.
func (d *Detector) Detect(ctx context.Context, in Input) []schema.Threat {
	results := make([][]schema.Threat, len(d.strategies))

	var wg sync.WaitGroup
	for i, strategy := range d.strategies {
		wg.Add(1)
		go func(i int, strategy Strategy) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("detection strategy panicked",
						"strategy", strategy.Name(), "user_id", in.UserID, "panic", r)
				}
			}()
			results[i] = strategy.Detect(ctx, in)
		}(i, strategy)
	}
	wg.Wait()

	var all []schema.Threat
	for _, r := range results {
		all = append(all, r...)
	}

	threats := FinalizeScores(Correlate(all), d.now())

	d.logger.Info("threat detection complete",
		"user_id", in.UserID, "raw_findings", len(all), "threats", len(threats))
	return threats
}
