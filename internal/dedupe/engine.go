package dedupe

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Engine is the contact import and deduplication engine. It classifies a
// batch of semi-structured rows against the batch itself and the contact
// store, then commits creations and merges in chunked transactions.
//
// Classify is read-only; Execute writes. Both are synchronous batch calls.
type Engine struct {
	store    ContactStore
	orgID    string
	cfg      Config
	progress *ProgressTracker
}

// NewEngine creates an engine for one organization's contact store.
func NewEngine(store ContactStore, orgID string, cfg Config) *Engine {
	return &Engine{store: store, orgID: orgID, cfg: cfg.withDefaults()}
}

// SetProgressTracker attaches an optional Redis-backed progress tracker.
func (e *Engine) SetProgressTracker(p *ProgressTracker) { e.progress = p }

// Classify runs the two-stage matcher over the batch without writing
// anything, producing the per-row preview the caller uses to collect merge
// decisions.
func (e *Engine) Classify(ctx context.Context, rows []Row, fieldMapping map[string]string) (*ValidationSummary, error) {
	return NewClassifier(e.store, e.cfg).Classify(ctx, rows, fieldMapping)
}

// Execute classifies the batch and commits it: New rows become contacts,
// Duplicate and decided Conflict rows merge into their targets, and
// everything else is skipped or reported. Partial failure is normal: the
// result carries per-row errors and conflicts, and an error is returned
// only when no work could be attempted at all.
func (e *Engine) Execute(ctx context.Context, rows []Row, fieldMapping map[string]string, decisions map[int]MergeDecision, tagIDs []string, actorID string) (*ImportResult, error) {
	start := time.Now()

	plan, err := NewClassifier(e.store, e.cfg).plan(ctx, rows, fieldMapping)
	if err != nil {
		return nil, err
	}

	agg := newAggregator(e.cfg)
	exec := &executor{
		store:    e.store,
		cfg:      e.cfg,
		orgID:    e.orgID,
		tagIDs:   tagIDs,
		actorID:  actorID,
		progress: e.progress,
		importID: uuid.New().String(),
	}
	exec.run(ctx, plan, decisions, agg)

	result := agg.final()
	result.ImportID = exec.importID
	result.Duration = time.Since(start)

	if e.progress != nil {
		e.progress.Complete(ctx, exec.importID, result)
	}

	log.Printf("[Import] org=%s rows=%d imported=%d updated=%d skipped=%d failed=%d in %.2fs",
		e.orgID, len(rows), result.Imported, result.Updated, result.Skipped, result.Failed,
		result.Duration.Seconds())

	return result, nil
}
