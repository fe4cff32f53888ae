package dedupe

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/ignite/crm-backend/internal/domain"
	"github.com/ignite/crm-backend/internal/schema"
)

// workItem is one actionable row: either a creation or a merge against a
// resolved target contact.
type workItem struct {
	rowID    int
	mapped   *MappedRow
	create   bool
	target   *domain.Contact // merge target, nil for creations
	decision MergeDecision
}

// executor walks the classified plan in fixed-size chunks, committing one
// transaction per chunk. A failure inside a chunk rolls back only that
// chunk; a failure on one row rolls back only that row's savepoint.
type executor struct {
	store    ContactStore
	cfg      Config
	orgID    string
	tagIDs   []string
	actorID  string
	progress *ProgressTracker
	importID string
}

func (e *executor) run(ctx context.Context, plan *batchPlan, decisions map[int]MergeDecision, agg *aggregator) {
	items := e.planWork(plan, decisions, agg)

	chunks := chunkItems(items, e.cfg.ChunkSize)
	for i, chunk := range chunks {
		// Cancellation is honored between chunk boundaries only, so a
		// cancel never leaves a contact half-mutated.
		if err := ctx.Err(); err != nil {
			for _, item := range chunk {
				agg.fail(item.rowID, fmt.Sprintf("import canceled: %v", err))
			}
			continue
		}
		e.runChunk(ctx, chunk, agg)
		e.reportProgress(ctx, i+1, len(chunks), agg)
	}
}

// planWork resolves every classified row into a skip, an error, or an
// actionable item.
func (e *executor) planWork(plan *batchPlan, decisions map[int]MergeDecision, agg *aggregator) []workItem {
	var items []workItem
	for _, entry := range plan.entries {
		m := plan.mapped[entry.RowID]
		decision, hasDecision := decisions[entry.RowID]

		if hasDecision && decision.Action == ActionSkip {
			agg.skip()
			continue
		}

		switch entry.Class {
		case ClassInvalid:
			agg.skip()
			agg.addError(entry.RowID, (&ValidationError{RowID: entry.RowID, Reason: entry.Reason}).Error())

		case ClassIntraFileDup:
			// Suppressed: its identifiers were attributed to the first
			// occurrence, which carries the data.
			agg.skip()

		case ClassNew:
			items = append(items, workItem{rowID: entry.RowID, mapped: m, create: true})

		case ClassDuplicate:
			target := plan.contacts[targetID(entry, decision)]
			if target == nil {
				agg.fail(entry.RowID, fmt.Sprintf("merge target contact %q not found", targetID(entry, decision)))
				continue
			}
			items = append(items, workItem{rowID: entry.RowID, mapped: m, target: target, decision: normalizeDecision(decision)})

		case ClassConflict:
			// A conflict row is ambiguous by construction. Without an
			// explicit target from the caller it is surfaced, never
			// auto-resolved.
			if !hasDecision || decision.ContactID == "" {
				agg.skip()
				for _, cand := range entry.Candidates {
					agg.addConflict(ImportConflict{
						RowID:     entry.RowID,
						ContactID: cand.ContactID,
						Field:     cand.MatchedBy,
						Value:     cand.Value,
						Message:   "ambiguous match requires a decision",
					})
				}
				continue
			}
			target := plan.contacts[decision.ContactID]
			if target == nil {
				agg.fail(entry.RowID, fmt.Sprintf("decision targets unknown contact %q", decision.ContactID))
				continue
			}
			items = append(items, workItem{rowID: entry.RowID, mapped: m, target: target, decision: normalizeDecision(decision)})
		}
	}
	return items
}

func (e *executor) runChunk(ctx context.Context, chunk []workItem, agg *aggregator) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		for _, item := range chunk {
			agg.fail(item.rowID, fmt.Sprintf("begin chunk transaction: %v", err))
		}
		return
	}

	type rowResult struct {
		item    workItem
		created string          // new contact id
		merged  *domain.Contact // saved clone, folded back after commit
		target  *domain.Contact
	}
	var results []rowResult

	for _, item := range chunk {
		if err := tx.Savepoint(ctx); err != nil {
			agg.fail(item.rowID, fmt.Sprintf("savepoint: %v", err))
			continue
		}

		createdID, merged, target, rowErr := e.runRow(ctx, tx, item, agg)
		if rowErr != nil {
			tx.RollbackRow(ctx)
			continue
		}
		if err := tx.ReleaseRow(ctx); err != nil {
			agg.fail(item.rowID, fmt.Sprintf("release savepoint: %v", err))
			continue
		}
		results = append(results, rowResult{item: item, created: createdID, merged: merged, target: target})
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		log.Printf("[Import] chunk commit failed, rolling back %d rows: %v", len(chunk), err)
		for _, r := range results {
			agg.fail(r.item.rowID, fmt.Sprintf("chunk commit: %v", err))
		}
		return
	}

	// Committed. Only now do merged clones become the plan's view of the
	// contact, so a failed chunk never bleeds into later ones.
	for _, r := range results {
		switch {
		case r.created != "":
			agg.imported(r.created)
		case r.merged != nil:
			*r.target = *r.merged
			agg.updated()
		}
	}
}

// runRow processes one item under its savepoint. A returned error means
// the row must be rolled back; the aggregator has already been told why.
func (e *executor) runRow(ctx context.Context, tx ContactTx, item workItem, agg *aggregator) (createdID string, merged, target *domain.Contact, err error) {
	if item.create {
		return e.runCreate(ctx, tx, item, agg)
	}
	merged, err = e.runMerge(ctx, tx, item, item.target, item.decision, agg)
	return "", merged, item.target, err
}

func (e *executor) runCreate(ctx context.Context, tx ContactTx, item workItem, agg *aggregator) (string, *domain.Contact, *domain.Contact, error) {
	contact := e.contactFromRow(item.mapped)
	outcome, err := tx.Create(ctx, contact)
	if err != nil {
		agg.fail(item.rowID, fmt.Sprintf("create contact: %v", err))
		return "", nil, nil, err
	}

	if outcome.Collided() {
		// Lost a uniqueness race: another row or a concurrent import owns
		// one of this row's identifiers. Retry as a merge with the new
		// row authoritative, since the caller asked for a creation.
		existing, err := e.resolveExisting(ctx, tx, item.mapped, outcome.ExistingID)
		if err != nil {
			agg.fail(item.rowID, fmt.Sprintf("resolve creation race: %v", err))
			return "", nil, nil, err
		}
		decision := MergeDecision{Action: ActionUpdate, DefaultChoice: ChooseIncoming}
		mergedContact, err := e.runMerge(ctx, tx, item, existing, decision, agg)
		if err != nil {
			return "", nil, nil, err
		}
		return "", mergedContact, existing, nil
	}

	if err := tx.ApplyTags(ctx, contact.ID, e.tagIDs, e.actorID); err != nil {
		agg.fail(item.rowID, fmt.Sprintf("apply tags: %v", err))
		return "", nil, nil, err
	}
	return contact.ID, nil, nil, nil
}

// runMerge resolves and saves a merge against a clone of target. The clone
// is returned so the caller can fold it back into the shared plan once the
// chunk commits; writing it back earlier would leak rolled-back values
// into later chunks.
func (e *executor) runMerge(ctx context.Context, tx ContactTx, item workItem, target *domain.Contact, decision MergeDecision, agg *aggregator) (*domain.Contact, error) {
	contact := cloneContact(target)

	if _, err := resolveMerge(ctx, tx, contact, item.mapped, decision); err != nil {
		if conflict, ok := err.(*IdentifierConflictError); ok {
			agg.fail(item.rowID, conflict.Error())
			agg.addConflict(ImportConflict{
				RowID:     item.rowID,
				ContactID: conflict.ContactID,
				Field:     conflict.Field,
				Value:     conflict.Value,
				Message:   "merge would violate identifier uniqueness",
			})
			return nil, err
		}
		agg.fail(item.rowID, fmt.Sprintf("merge: %v", err))
		return nil, err
	}

	if err := tx.Save(ctx, contact); err != nil {
		agg.fail(item.rowID, fmt.Sprintf("save contact: %v", err))
		return nil, err
	}
	if err := tx.ApplyTags(ctx, contact.ID, e.tagIDs, e.actorID); err != nil {
		agg.fail(item.rowID, fmt.Sprintf("apply tags: %v", err))
		return nil, err
	}
	return contact, nil
}

// resolveExisting re-resolves the contact that won a creation race, using
// the collided id when the store reported one and the row's own
// identifiers otherwise.
func (e *executor) resolveExisting(ctx context.Context, tx ContactTx, m *MappedRow, existingID string) (*domain.Contact, error) {
	contacts, err := tx.FindActiveByEmailOrPhone(ctx, m.Emails, m.Phones)
	if err != nil {
		return nil, err
	}
	if existingID != "" {
		for _, contact := range contacts {
			if contact.ID == existingID {
				return contact, nil
			}
		}
	}
	if len(contacts) > 0 {
		return contacts[0], nil
	}
	return nil, fmt.Errorf("no active contact matches identifiers after collision")
}

// contactFromRow materializes a new contact from a mapped row. The primary
// email and phone chosen by the mapper become the unique identifier
// columns.
func (e *executor) contactFromRow(m *MappedRow) *domain.Contact {
	contact := &domain.Contact{
		ID:             uuid.New().String(),
		OrganizationID: e.orgID,
		IsActive:       true,
	}
	for field, value := range m.Patch {
		schema.Apply(contact, field, value)
	}
	if contact.Email == "" {
		contact.Email = m.PrimaryEmail
	}
	if contact.Phone == "" {
		contact.Phone = m.PrimaryPhone
	}
	// The cache always tracks the phone column the contact actually
	// carries, which the patch may have set from a non-primary column.
	if normalized, valid := NormalizePhone(contact.Phone); valid {
		contact.NormalizedPhone = normalized
	}
	if len(m.Overflow) > 0 {
		contact.Overflow = make(map[string][]string, len(m.Overflow))
		for k, v := range m.Overflow {
			contact.Overflow[k] = append([]string(nil), v...)
		}
	}
	return contact
}

func (e *executor) reportProgress(ctx context.Context, done, total int, agg *aggregator) {
	if e.progress == nil {
		return
	}
	e.progress.Update(ctx, e.importID, ProgressSnapshot{
		ImportID:    e.importID,
		ChunksDone:  done,
		ChunksTotal: total,
		Imported:    agg.result.Imported,
		Updated:     agg.result.Updated,
		Skipped:     agg.result.Skipped,
		Failed:      agg.result.Failed,
	})
}

func targetID(entry ClassificationEntry, decision MergeDecision) string {
	if decision.ContactID != "" {
		return decision.ContactID
	}
	return entry.ContactID
}

func normalizeDecision(d MergeDecision) MergeDecision {
	if d.Action == "" {
		d.Action = ActionUpdate
	}
	if d.DefaultChoice == "" {
		d.DefaultChoice = ChooseExisting
	}
	return d
}

func cloneContact(c *domain.Contact) *domain.Contact {
	clone := *c
	if c.Slots != nil {
		clone.Slots = make(map[string]string, len(c.Slots))
		for k, v := range c.Slots {
			clone.Slots[k] = v
		}
	}
	if c.Overflow != nil {
		clone.Overflow = make(map[string][]string, len(c.Overflow))
		for k, v := range c.Overflow {
			clone.Overflow[k] = append([]string(nil), v...)
		}
	}
	if c.LeadScore != nil {
		n := *c.LeadScore
		clone.LeadScore = &n
	}
	if c.CompanyEmployeeCount != nil {
		n := *c.CompanyEmployeeCount
		clone.CompanyEmployeeCount = &n
	}
	return &clone
}

func chunkItems(items []workItem, size int) [][]workItem {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]workItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
