package dedupe

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressTTL = 24 * time.Hour

// ProgressSnapshot is the per-import progress state the API layer polls
// while a large import runs.
type ProgressSnapshot struct {
	ImportID    string    `json:"import_id"`
	Status      string    `json:"status"`
	ChunksDone  int       `json:"chunks_done"`
	ChunksTotal int       `json:"chunks_total"`
	Imported    int       `json:"imported"`
	Updated     int       `json:"updated"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProgressTracker publishes chunk-level import progress to Redis. Progress
// is advisory: a Redis outage never fails the import, it only degrades
// visibility.
type ProgressTracker struct {
	redis *redis.Client
}

// NewProgressTracker creates a tracker over an existing Redis client.
func NewProgressTracker(client *redis.Client) *ProgressTracker {
	return &ProgressTracker{redis: client}
}

func (p *ProgressTracker) key(importID string) string {
	return "crm:import:progress:" + importID
}

// Update stores the latest snapshot for an in-flight import.
func (p *ProgressTracker) Update(ctx context.Context, importID string, snap ProgressSnapshot) {
	snap.ImportID = importID
	if snap.Status == "" {
		snap.Status = "processing"
	}
	snap.UpdatedAt = time.Now()
	data, _ := json.Marshal(snap)
	if err := p.redis.Set(ctx, p.key(importID), data, progressTTL).Err(); err != nil {
		log.Printf("[Import] progress update %s: %v", importID, err)
	}
}

// Complete marks an import finished with its final counts. The chunk
// counters from the last in-flight snapshot are kept so a poller still
// sees how far the run got.
func (p *ProgressTracker) Complete(ctx context.Context, importID string, result *ImportResult) {
	snap, _ := p.Get(ctx, importID)
	snap.Status = "completed"
	snap.Imported = result.Imported
	snap.Updated = result.Updated
	snap.Skipped = result.Skipped
	snap.Failed = result.Failed
	p.Update(ctx, importID, snap)
}

// Get reads the current snapshot for an import; ok=false when the import
// is unknown or expired.
func (p *ProgressTracker) Get(ctx context.Context, importID string) (ProgressSnapshot, bool) {
	data, err := p.redis.Get(ctx, p.key(importID)).Bytes()
	if err == redis.Nil {
		return ProgressSnapshot{}, false
	}
	if err != nil {
		log.Printf("[Import] progress read %s: %v", importID, err)
		return ProgressSnapshot{}, false
	}
	var snap ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ProgressSnapshot{}, false
	}
	return snap, true
}
