package dedupe

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/crm-backend/internal/domain"
)

func execute(t *testing.T, e *Engine, rows []Row, decisions map[int]MergeDecision) *ImportResult {
	t.Helper()
	result, err := e.Execute(context.Background(), rows, emailOnlyMapping, decisions, nil, "user-1")
	require.NoError(t, err)
	return result
}

func TestExecuteCreatesNewContacts(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{
		rowOf(1, map[string]string{"email": "a@x.com", "first_name": "Ada"}),
		rowOf(2, map[string]string{"email": "b@x.com"}),
	}
	result := execute(t, e, rows, nil)

	assert.Equal(t, 2, result.Imported)
	assert.Len(t, result.CreatedIDs, 2)
	assert.Equal(t, 2, store.activeCount())
	assert.NotEmpty(t, result.ImportID)

	created := store.get(result.CreatedIDs[0])
	require.NotNil(t, created)
	assert.Equal(t, "org-1", created.OrganizationID)
	assert.True(t, created.IsActive)
}

func TestExecuteUpdatesDuplicate(t *testing.T) {
	store := newFakeStore()
	existing := activeContact("c-1", "a@x.com", "")
	existing.FirstName = "Old"
	store.seed(existing)
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{rowOf(1, map[string]string{"email": "a@x.com", "first_name": "New"})}
	decisions := map[int]MergeDecision{1: {DefaultChoice: ChooseIncoming}}
	result := execute(t, e, rows, decisions)

	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, "New", store.get("c-1").FirstName)
}

func TestExecuteDuplicateDefaultsToExisting(t *testing.T) {
	store := newFakeStore()
	existing := activeContact("c-1", "a@x.com", "")
	existing.FirstName = "Old"
	store.seed(existing)
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{rowOf(1, map[string]string{"email": "a@x.com", "first_name": "New"})}
	result := execute(t, e, rows, nil)

	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, "Old", store.get("c-1").FirstName)
}

func TestExecuteSkipDecision(t *testing.T) {
	store := newFakeStore()
	store.seed(activeContact("c-1", "a@x.com", ""))
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{rowOf(1, map[string]string{"email": "a@x.com", "first_name": "New"})}
	decisions := map[int]MergeDecision{1: {Action: ActionSkip}}
	result := execute(t, e, rows, decisions)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Updated)
}

// Conflict rows without an explicit target are surfaced, never merged.
func TestExecuteConflictRequiresDecision(t *testing.T) {
	store := newFakeStore()
	store.seed(activeContact("c-email", "a@x.com", ""))
	store.seed(activeContact("c-phone", "", "+15551230001"))
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{rowOf(1, map[string]string{"email": "a@x.com", "phone": "5551230001"})}
	result := execute(t, e, rows, nil)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Updated)
	require.Len(t, result.Conflicts, 2)
	assert.Equal(t, 1, result.Conflicts[0].RowID)
}

func TestExecuteConflictWithDecisionMerges(t *testing.T) {
	store := newFakeStore()
	store.seed(activeContact("c-email", "a@x.com", ""))
	store.seed(activeContact("c-phone", "", "+15551230001"))
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{rowOf(1, map[string]string{"email": "a@x.com", "first_name": "Picked", "phone": "5551230001"})}
	decisions := map[int]MergeDecision{1: {ContactID: "c-email", DefaultChoice: ChooseIncoming, FieldOverrides: map[string]Choice{"phone": ChooseExisting}}}
	result := execute(t, e, rows, decisions)

	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, "Picked", store.get("c-email").FirstName)
	// The losing candidate is untouched.
	assert.Empty(t, store.get("c-phone").FirstName)
}

func TestExecuteInvalidRowReported(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{rowOf(9, map[string]string{"first_name": "NoID"})}
	result := execute(t, e, rows, nil)

	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 9, result.Errors[0].RowID)
}

// End-to-end: five rows where two collapse intra-file, one updates a
// stored contact, one is invalid, and two distinct contacts are created.
func TestExecuteMixedBatch(t *testing.T) {
	store := newFakeStore()
	store.seed(activeContact("c-1", "stored@x.com", ""))
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{
		rowOf(1, map[string]string{"email": "new1@x.com"}),
		rowOf(2, map[string]string{"email": "new1@x.com", "phone": "5551230001"}), // intra dup of 1
		rowOf(3, map[string]string{"email": "stored@x.com", "first_name": "Upd"}),
		rowOf(4, map[string]string{"phone": "(555) 123-9999"}),
		rowOf(5, map[string]string{"email": "bogus"}),
	}
	decisions := map[int]MergeDecision{3: {DefaultChoice: ChooseIncoming}}
	result := execute(t, e, rows, decisions)

	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 2, result.Skipped) // intra dup + invalid
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, "Upd", store.get("c-1").FirstName)
	assert.Equal(t, 3, store.activeCount())

	// Row 1 carries row 2's attributed phone as its normalized identifier
	// source only; the created contact keeps its own mapped values.
	var phoneContact *domain.Contact
	for _, id := range result.CreatedIDs {
		if c := store.get(id); c.NormalizedPhone == "+15551239999" {
			phoneContact = c
		}
	}
	require.NotNil(t, phoneContact, "row 4 should create a phone-identified contact")
}

// A commit failure drops only the failing chunk. With chunk size 2 and
// four rows, the first chunk persists and the second fails wholesale.
func TestExecuteChunkIsolation(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, "org-1", Config{ChunkSize: 2})

	var rows []Row
	for i := 1; i <= 4; i++ {
		rows = append(rows, rowOf(i, map[string]string{"email": fmt.Sprintf("u%d@x.com", i)}))
	}

	// Commits run in chunk order; fail only the second.
	store.failCommitAt = 2
	result := execute(t, e, rows, nil)

	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 2, store.activeCount())
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 3, result.Errors[0].RowID)
	assert.Equal(t, 4, result.Errors[1].RowID)
}

// A merge applied in a chunk whose commit fails must not leak its staged
// values into a later chunk targeting the same contact.
func TestExecuteFailedChunkMergeDoesNotLeak(t *testing.T) {
	store := newFakeStore()
	store.seed(activeContact("c-1", "a@x.com", "+15551230001"))
	e := NewEngine(store, "org-1", Config{ChunkSize: 1})

	// Row 1 matches by email and stages a first_name override; row 2
	// matches the same contact by phone and keeps existing values.
	rows := []Row{
		rowOf(1, map[string]string{"email": "a@x.com", "first_name": "Leak"}),
		rowOf(2, map[string]string{"phone": "5551230001"}),
	}
	decisions := map[int]MergeDecision{1: {DefaultChoice: ChooseIncoming}}

	store.failCommitAt = 1
	result := execute(t, e, rows, decisions)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, "", store.get("c-1").FirstName)
}

// A new contact's normalized_phone cache follows its phone column, even
// when an explodable phone from another column was mapped first.
func TestExecuteCreateNormalizedPhoneTracksPhoneColumn(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, "org-1", Config{})

	mapping := map[string]string{"mobile": "mobile_phone", "phone": "phone"}
	rows := []Row{rowOf(1, map[string]string{"mobile": "5551230001", "phone": "5551239999"})}

	result, err := e.Execute(context.Background(), rows, mapping, nil, nil, "user-1")
	require.NoError(t, err)
	require.Len(t, result.CreatedIDs, 1)

	created := store.get(result.CreatedIDs[0])
	require.NotNil(t, created)
	assert.Equal(t, "+15551239999", created.Phone)
	assert.Equal(t, created.Phone, created.NormalizedPhone)
}

// A row-level failure rolls back just that row; the rest of its chunk
// still commits.
func TestExecuteRowFailureIsolatedBySavepoint(t *testing.T) {
	store := newFakeStore()
	store.failCreateForEmail = "bad@x.com"
	e := NewEngine(store, "org-1", Config{ChunkSize: 10})

	rows := []Row{
		rowOf(1, map[string]string{"email": "ok1@x.com"}),
		rowOf(2, map[string]string{"email": "bad@x.com"}),
		rowOf(3, map[string]string{"email": "ok2@x.com"}),
	}
	result := execute(t, e, rows, nil)

	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, store.activeCount())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 2, result.Errors[0].RowID)
}

// Losing a uniqueness race inside the write transaction retries the row
// as a merge instead of failing it. The plan is built against an empty
// store, then a concurrent import lands the same email before the write
// transaction runs.
func TestExecuteCreationRaceRetriesAsMerge(t *testing.T) {
	store := newFakeStore()
	cfg := Config{}.withDefaults()
	c := NewClassifier(store, cfg)

	rows := []Row{rowOf(1, map[string]string{"email": "raced@x.com", "first_name": "Late"})}
	plan, err := c.plan(context.Background(), rows, emailOnlyMapping)
	require.NoError(t, err)

	store.seed(activeContact("c-winner", "raced@x.com", ""))

	exec := &executor{store: store, cfg: cfg, orgID: "org-1", importID: "imp-1"}
	agg := newAggregator(cfg)
	exec.run(context.Background(), plan, nil, agg)
	result := agg.final()

	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Failed)
	// Retry-as-merge treats the incoming row as authoritative.
	assert.Equal(t, "Late", store.get("c-winner").FirstName)
	assert.Equal(t, 1, store.activeCount())
}

func TestExecuteAppliesTags(t *testing.T) {
	store := newFakeStore()
	store.seed(activeContact("c-1", "a@x.com", ""))
	e := NewEngine(store, "org-1", Config{})

	rows := []Row{
		rowOf(1, map[string]string{"email": "new@x.com"}),
		rowOf(2, map[string]string{"email": "a@x.com"}),
	}
	result, err := e.Execute(context.Background(), rows, emailOnlyMapping, nil, []string{"tag-1", "tag-2"}, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Imported)

	for _, id := range append(result.CreatedIDs, "c-1") {
		assert.True(t, store.tags[id]["tag-1"], "contact %s missing tag-1", id)
		assert.True(t, store.tags[id]["tag-2"], "contact %s missing tag-2", id)
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, "org-1", Config{ChunkSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rows := []Row{rowOf(1, map[string]string{"email": "a@x.com"})}
	result, err := e.Execute(ctx, rows, emailOnlyMapping, nil, nil, "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, store.activeCount())
}

func TestExecuteErrorSampleCap(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, "org-1", Config{MaxSampleErrors: 3})

	var rows []Row
	for i := 1; i <= 10; i++ {
		rows = append(rows, rowOf(i, map[string]string{"first_name": "NoID"}))
	}
	result := execute(t, e, rows, nil)

	assert.Equal(t, 10, result.Skipped)
	assert.Len(t, result.Errors, 3)
}
