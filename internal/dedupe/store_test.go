package dedupe

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ignite/crm-backend/internal/domain"
)

// rowOf builds a Row with deterministic column order.
func rowOf(id int, values map[string]string) Row {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return NewRow(id, cols, values)
}

// fakeStore is an in-memory ContactStore with transactional semantics
// close enough to Postgres for the engine's tests: buffered writes per
// transaction, row savepoints, and unique active email/phone identifiers.
type fakeStore struct {
	mu       sync.Mutex
	contacts map[string]*domain.Contact
	tags     map[string]map[string]bool // contactID -> tagID set

	lookupCalls [][2][]string // recorded (emails, phones) per lookup

	failCreateForEmail string // force a non-collision error on this email
	failCommitAt       int    // fail the Nth commit (1-based)
	commitSeq          int
	beginErr           error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contacts: make(map[string]*domain.Contact),
		tags:     make(map[string]map[string]bool),
	}
}

func (s *fakeStore) seed(c *domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

func (s *fakeStore) get(id string) *domain.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contacts[id]
}

func (s *fakeStore) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.contacts {
		if c.IsActive {
			n++
		}
	}
	return n
}

func (s *fakeStore) FindActiveByEmailOrPhone(_ context.Context, emails, phones []string) ([]*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupCalls = append(s.lookupCalls, [2][]string{emails, phones})
	return matchContacts(s.contacts, "", emails, phones), nil
}

func (s *fakeStore) Begin(_ context.Context) (ContactTx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &fakeTx{store: s, pending: make(map[string]*domain.Contact), pendingTags: make(map[string]map[string]bool)}, nil
}

func matchContacts(contacts map[string]*domain.Contact, excludeID string, emails, phones []string) []*domain.Contact {
	emailSet := make(map[string]bool, len(emails))
	for _, e := range emails {
		if e != "" {
			emailSet[e] = true
		}
	}
	phoneSet := make(map[string]bool, len(phones))
	for _, p := range phones {
		if p != "" {
			phoneSet[p] = true
		}
	}
	var out []*domain.Contact
	for _, c := range contacts {
		if !c.IsActive || c.ID == excludeID {
			continue
		}
		if (c.Email != "" && emailSet[c.Email]) || (c.NormalizedPhone != "" && phoneSet[c.NormalizedPhone]) {
			out = append(out, c)
		}
	}
	return out
}

// fakeTx buffers writes until Commit; RollbackRow discards everything
// since the last Savepoint.
type fakeTx struct {
	store       *fakeStore
	pending     map[string]*domain.Contact
	pendingTags map[string]map[string]bool
	markSnap    map[string]*domain.Contact
	markTags    map[string]map[string]bool
	done        bool
}

// visible merges committed and pending contacts, pending winning.
func (t *fakeTx) visible() map[string]*domain.Contact {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	all := make(map[string]*domain.Contact, len(t.store.contacts)+len(t.pending))
	for id, c := range t.store.contacts {
		all[id] = c
	}
	for id, c := range t.pending {
		all[id] = c
	}
	return all
}

func (t *fakeTx) Create(_ context.Context, c *domain.Contact) (CreateOutcome, error) {
	if t.store.failCreateForEmail != "" && c.Email == t.store.failCreateForEmail {
		return CreateOutcome{}, fmt.Errorf("forced create failure for %s", c.Email)
	}
	for _, existing := range t.visible() {
		if !existing.IsActive {
			continue
		}
		if (c.Email != "" && existing.Email == c.Email) ||
			(c.NormalizedPhone != "" && existing.NormalizedPhone == c.NormalizedPhone) {
			return CreateOutcome{ExistingID: existing.ID}, nil
		}
	}
	t.pending[c.ID] = c
	return CreateOutcome{Contact: c}, nil
}

func (t *fakeTx) Save(_ context.Context, c *domain.Contact) error {
	t.pending[c.ID] = c
	return nil
}

func (t *fakeTx) FindCollision(_ context.Context, excludeID string, emails, phones []string) (*domain.Contact, error) {
	matched := matchContacts(t.visible(), excludeID, emails, phones)
	if len(matched) == 0 {
		return nil, nil
	}
	return matched[0], nil
}

func (t *fakeTx) FindActiveByEmailOrPhone(_ context.Context, emails, phones []string) ([]*domain.Contact, error) {
	return matchContacts(t.visible(), "", emails, phones), nil
}

func (t *fakeTx) ApplyTags(_ context.Context, contactID string, tagIDs []string, _ string) error {
	if len(tagIDs) == 0 {
		return nil
	}
	set := t.pendingTags[contactID]
	if set == nil {
		set = make(map[string]bool)
		t.pendingTags[contactID] = set
	}
	for _, id := range tagIDs {
		set[id] = true
	}
	return nil
}

func (t *fakeTx) Savepoint(_ context.Context) error {
	t.markSnap = make(map[string]*domain.Contact, len(t.pending))
	for id, c := range t.pending {
		t.markSnap[id] = c
	}
	t.markTags = make(map[string]map[string]bool, len(t.pendingTags))
	for id, set := range t.pendingTags {
		copySet := make(map[string]bool, len(set))
		for k := range set {
			copySet[k] = true
		}
		t.markTags[id] = copySet
	}
	return nil
}

func (t *fakeTx) RollbackRow(_ context.Context) error {
	t.pending = t.markSnap
	t.pendingTags = t.markTags
	return nil
}

func (t *fakeTx) ReleaseRow(_ context.Context) error { return nil }

func (t *fakeTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.commitSeq++
	if t.store.failCommitAt != 0 && t.store.commitSeq == t.store.failCommitAt {
		return fmt.Errorf("forced commit failure")
	}
	for id, c := range t.pending {
		t.store.contacts[id] = c
	}
	for contactID, set := range t.pendingTags {
		existing := t.store.tags[contactID]
		if existing == nil {
			existing = make(map[string]bool)
			t.store.tags[contactID] = existing
		}
		for tagID := range set {
			existing[tagID] = true
		}
	}
	return nil
}

func (t *fakeTx) Rollback() error {
	t.done = true
	return nil
}
