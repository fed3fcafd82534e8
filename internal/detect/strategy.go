// Package detect runs independent threat detection strategies over a
// scored event window and correlates their findings into a single
// deduplicated threat list.
package detect

import (
	"context"

	"threatlens/internal/schema"
)

// Input is the immutable window every strategy sees: one user's events,
// the extracted features, and the behavioral analysis computed from
// them.
type Input struct {
	UserID   string
	Analysis schema.BehavioralAnalysis
	Features schema.FeatureVector
	Events   []schema.Event
}

// Strategy produces zero or more threats from an analysis window.
// Implementations must be pure over their input; state belongs to the
// caller.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Detect returns the threats the strategy finds in the window.
	Detect(ctx context.Context, in Input) []schema.Threat
}
