package pipeline

import (
	"context"
	"sync"

	"threatlens/internal/schema"
)

// AnalysisCache keeps the most recent analysis per user. It implements
// AnalysisSink so the pipeline keeps it current, and the query API reads
// from it.
type AnalysisCache struct {
	mu     sync.RWMutex
	latest map[string]schema.BehavioralAnalysis
}

// NewAnalysisCache creates an empty cache.
func NewAnalysisCache() *AnalysisCache {
	return &AnalysisCache{latest: make(map[string]schema.BehavioralAnalysis)}
}

// WriteAnalysis records the analysis as the user's latest.
func (c *AnalysisCache) WriteAnalysis(_ context.Context, analysis *schema.BehavioralAnalysis) error {
	c.mu.Lock()
	c.latest[analysis.UserID] = *analysis
	c.mu.Unlock()
	return nil
}

// Latest returns the most recent analysis for the user, if any.
func (c *AnalysisCache) Latest(userID string) (schema.BehavioralAnalysis, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	analysis, ok := c.latest[userID]
	return analysis, ok
}

// Len returns the number of users with a cached analysis.
func (c *AnalysisCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.latest)
}
