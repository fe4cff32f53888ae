package dedupe

import (
	"context"
	"fmt"
	"sort"

	"github.com/ignite/crm-backend/internal/domain"
	"github.com/ignite/crm-backend/internal/schema"
)

// Classifier partitions an import batch into New / Duplicate / Conflict /
// Invalid rows: first against the batch itself (Stage A), then against the
// persisted contact store (Stage B). It never writes.
type Classifier struct {
	store ContactStore
	cfg   Config
}

// NewClassifier creates a classifier reading through store.
func NewClassifier(store ContactStore, cfg Config) *Classifier {
	return &Classifier{store: store, cfg: cfg.withDefaults()}
}

// batchPlan is the classifier's full working state, consumed by the batch
// executor. ValidationSummary is the caller-facing projection of it.
type batchPlan struct {
	entries  []ClassificationEntry
	mapped   map[int]*MappedRow        // row id -> mapped row
	rows     map[int]Row               // row id -> raw row
	contacts map[string]*domain.Contact // matched contacts by id
}

// Classify runs both matching stages and returns the per-row outcome.
func (c *Classifier) Classify(ctx context.Context, rows []Row, fieldMapping map[string]string) (*ValidationSummary, error) {
	plan, err := c.plan(ctx, rows, fieldMapping)
	if err != nil {
		return nil, err
	}
	return plan.summary(), nil
}

func (c *Classifier) plan(ctx context.Context, rows []Row, fieldMapping map[string]string) (*batchPlan, error) {
	plan := &batchPlan{
		mapped:   make(map[int]*MappedRow, len(rows)),
		rows:     make(map[int]Row, len(rows)),
		contacts: make(map[string]*domain.Contact),
	}

	ordered := make([]Row, len(rows))
	copy(ordered, rows)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, row := range ordered {
		plan.rows[row.ID] = row
		plan.mapped[row.ID] = MapRow(row, fieldMapping)
	}

	// Stage A: intra-file dedup. The first row claiming an identifier owns
	// it; every later row referencing a claimed identifier collapses onto
	// the owner and leaves the Stage B pool. A duplicate row's unclaimed
	// identifiers are attributed to its owner so they are looked up once.
	emailOwner := make(map[string]int)
	phoneOwner := make(map[string]int)
	intraOf := make(map[int]int) // dup row id -> owner row id
	attributed := make(map[int]*identifierSet)

	for _, row := range ordered {
		m := plan.mapped[row.ID]
		if !m.HasIdentifier() {
			plan.entries = append(plan.entries, ClassificationEntry{
				RowID:  row.ID,
				Class:  ClassInvalid,
				Reason: "no valid email or phone identifier",
			})
			continue
		}

		owner := -1
		for _, email := range m.Emails {
			if email == "" {
				continue
			}
			if prev, claimed := emailOwner[email]; claimed {
				owner = prev
				break
			}
		}
		if owner < 0 {
			for _, phone := range m.Phones {
				if phone == "" {
					continue
				}
				if prev, claimed := phoneOwner[phone]; claimed {
					owner = prev
					break
				}
			}
		}

		if owner >= 0 {
			plan.entries = append(plan.entries, ClassificationEntry{
				RowID:      row.ID,
				Class:      ClassIntraFileDup,
				FirstRowID: owner,
			})
			intraOf[row.ID] = owner
			c.claimIdentifiers(m, owner, emailOwner, phoneOwner, attributed)
			continue
		}

		c.claimIdentifiers(m, row.ID, emailOwner, phoneOwner, attributed)
	}

	// Stage B: match surviving rows against active stored contacts.
	var poolEmails, poolPhones []string
	for _, row := range ordered {
		if _, dup := intraOf[row.ID]; dup {
			continue
		}
		m := plan.mapped[row.ID]
		if !m.HasIdentifier() {
			continue
		}
		set := effectiveIdentifiers(m, attributed[row.ID])
		poolEmails = append(poolEmails, set.emails...)
		poolPhones = append(poolPhones, set.phones...)
	}

	byEmail, byPhone, err := c.lookup(ctx, poolEmails, poolPhones)
	if err != nil {
		return nil, err
	}

	for _, row := range ordered {
		if _, dup := intraOf[row.ID]; dup {
			continue
		}
		m := plan.mapped[row.ID]
		if !m.HasIdentifier() {
			continue
		}
		entry := c.matchRow(row.ID, effectiveIdentifiers(m, attributed[row.ID]), m, byEmail, byPhone, plan.contacts)
		plan.entries = append(plan.entries, entry)
	}

	sort.Slice(plan.entries, func(i, j int) bool { return plan.entries[i].RowID < plan.entries[j].RowID })
	return plan, nil
}

// identifierSet is one row's effective Stage B identifier set.
type identifierSet struct {
	emails []string
	phones []string
}

func (c *Classifier) claimIdentifiers(m *MappedRow, ownerID int, emailOwner, phoneOwner map[string]int, attributed map[int]*identifierSet) {
	for _, email := range m.Emails {
		if email == "" {
			continue
		}
		if _, claimed := emailOwner[email]; !claimed {
			emailOwner[email] = ownerID
			if m.RowID != ownerID {
				set := attributed[ownerID]
				if set == nil {
					set = &identifierSet{}
					attributed[ownerID] = set
				}
				set.emails = append(set.emails, email)
			}
		}
	}
	for _, phone := range m.Phones {
		if phone == "" {
			continue
		}
		if _, claimed := phoneOwner[phone]; !claimed {
			phoneOwner[phone] = ownerID
			if m.RowID != ownerID {
				set := attributed[ownerID]
				if set == nil {
					set = &identifierSet{}
					attributed[ownerID] = set
				}
				set.phones = append(set.phones, phone)
			}
		}
	}
}

func effectiveIdentifiers(m *MappedRow, extra *identifierSet) identifierSet {
	set := identifierSet{
		emails: append([]string(nil), m.Emails...),
		phones: append([]string(nil), m.Phones...),
	}
	if extra != nil {
		set.emails = append(set.emails, extra.emails...)
		set.phones = append(set.phones, extra.phones...)
	}
	return set
}

// lookup batch-queries the store for active contacts matching any pooled
// identifier, chunked to stay under the bound-parameter ceiling.
func (c *Classifier) lookup(ctx context.Context, emails, phones []string) (map[string]*domain.Contact, map[string]*domain.Contact, error) {
	byEmail := make(map[string]*domain.Contact)
	byPhone := make(map[string]*domain.Contact)

	for _, emailChunk := range chunkStrings(uniqueNonEmpty(emails), c.cfg.LookupChunkSize) {
		contacts, err := c.store.FindActiveByEmailOrPhone(ctx, emailChunk, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup contacts by email: %w", err)
		}
		indexContacts(contacts, byEmail, byPhone)
	}
	for _, phoneChunk := range chunkStrings(uniqueNonEmpty(phones), c.cfg.LookupChunkSize) {
		contacts, err := c.store.FindActiveByEmailOrPhone(ctx, nil, phoneChunk)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup contacts by phone: %w", err)
		}
		indexContacts(contacts, byEmail, byPhone)
	}
	return byEmail, byPhone, nil
}

func indexContacts(contacts []*domain.Contact, byEmail, byPhone map[string]*domain.Contact) {
	for _, contact := range contacts {
		if contact.Email != "" {
			byEmail[contact.Email] = contact
		}
		if contact.NormalizedPhone != "" {
			byPhone[contact.NormalizedPhone] = contact
		}
	}
}

// matchRow resolves one surviving row against the looked-up contacts.
// Distinctness is by contact identity, not by which identifier matched.
func (c *Classifier) matchRow(rowID int, set identifierSet, m *MappedRow, byEmail, byPhone map[string]*domain.Contact, out map[string]*domain.Contact) ClassificationEntry {
	seen := make(map[string]bool)
	var candidates []ConflictCandidate
	var matched []*domain.Contact

	for _, email := range set.emails {
		if contact, ok := byEmail[email]; ok && !seen[contact.ID] {
			seen[contact.ID] = true
			matched = append(matched, contact)
			candidates = append(candidates, ConflictCandidate{ContactID: contact.ID, MatchedBy: "email", Value: email})
		}
	}
	for _, phone := range set.phones {
		if contact, ok := byPhone[phone]; ok && !seen[contact.ID] {
			seen[contact.ID] = true
			matched = append(matched, contact)
			candidates = append(candidates, ConflictCandidate{ContactID: contact.ID, MatchedBy: "phone", Value: phone})
		}
	}

	switch len(matched) {
	case 0:
		return ClassificationEntry{RowID: rowID, Class: ClassNew}
	case 1:
		contact := matched[0]
		out[contact.ID] = contact
		return ClassificationEntry{
			RowID:     rowID,
			Class:     ClassDuplicate,
			ContactID: contact.ID,
			Diff:      diffFields(m, contact),
		}
	default:
		for _, contact := range matched {
			out[contact.ID] = contact
		}
		return ClassificationEntry{RowID: rowID, Class: ClassConflict, Candidates: candidates}
	}
}

// diffFields compares the row's mapped attributes against the matched
// contact's current values, reporting only fields that actually differ.
func diffFields(m *MappedRow, contact *domain.Contact) []FieldDiff {
	fields := make([]string, 0, len(m.Patch))
	for field := range m.Patch {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var diff []FieldDiff
	for _, field := range fields {
		incoming := m.Patch[field]
		existing := schema.Get(contact, field)
		if incoming != existing {
			diff = append(diff, FieldDiff{Field: field, Incoming: incoming, Existing: existing})
		}
	}
	return diff
}

// summary projects the plan into the caller-facing read-only result.
func (p *batchPlan) summary() *ValidationSummary {
	s := &ValidationSummary{
		TotalRows: len(p.entries),
		Entries:   p.entries,
	}
	for _, e := range p.entries {
		switch e.Class {
		case ClassNew:
			s.New++
		case ClassDuplicate:
			s.Duplicates++
		case ClassIntraFileDup:
			s.IntraFileDups++
		case ClassConflict:
			s.Conflicts++
		case ClassInvalid:
			s.Invalid++
		}
	}
	return s
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func chunkStrings(values []string, size int) [][]string {
	if len(values) == 0 {
		return nil
	}
	var chunks [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}
