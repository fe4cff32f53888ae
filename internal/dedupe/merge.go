package dedupe

import (
	"context"
	"fmt"
	"sort"

	"github.com/ignite/crm-backend/internal/domain"
	"github.com/ignite/crm-backend/internal/schema"
)

// mergeOutcome reports what a successful merge changed.
type mergeOutcome struct {
	AppliedFields []string
}

// resolveMerge reconciles one incoming mapped row with an existing contact
// under the caller's per-field decision, inside the executor's chunk
// transaction. The contact is mutated in place only after the collision
// check passes; a rejected merge leaves it untouched and returns
// *IdentifierConflictError. The caller owns flush/commit timing.
func resolveMerge(ctx context.Context, tx ContactTx, contact *domain.Contact, m *MappedRow, decision MergeDecision) (*mergeOutcome, error) {
	defaultChoice := decision.DefaultChoice
	if defaultChoice == "" {
		defaultChoice = ChooseExisting
	}

	// Stage the fields that resolve to the incoming side and actually
	// change something. Sorted so the staging order is deterministic.
	fields := make([]string, 0, len(m.Patch))
	for field := range m.Patch {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	staged := make(map[string]string)
	for _, field := range fields {
		choice, overridden := decision.FieldOverrides[field]
		if !overridden {
			choice = defaultChoice
		}
		if choice != ChooseIncoming {
			continue
		}
		incoming := m.Patch[field]
		if incoming == schema.Get(contact, field) {
			continue
		}
		staged[field] = incoming
	}

	// Candidate snapshot: the contact's identifiers as they would be after
	// the staged updates, including the recomputed phone cache.
	snapEmail := contact.Email
	if v, ok := staged["email"]; ok {
		snapEmail = v
	}
	snapPhone := contact.NormalizedPhone
	if v, ok := staged["normalized_phone"]; ok {
		snapPhone = v
	} else if v, ok := staged["phone"]; ok {
		if normalized, valid := NormalizePhone(v); valid {
			snapPhone = normalized
		}
	}

	var emails, phones []string
	if snapEmail != "" {
		emails = append(emails, snapEmail)
	}
	if snapPhone != "" {
		phones = append(phones, snapPhone)
	}
	if len(emails) > 0 || len(phones) > 0 {
		other, err := tx.FindCollision(ctx, contact.ID, emails, phones)
		if err != nil {
			return nil, fmt.Errorf("merge collision check: %w", err)
		}
		if other != nil {
			return nil, collisionError(other, snapEmail, snapPhone)
		}
	}

	// Clear: apply staged updates and keep the phone cache coherent.
	applied := make([]string, 0, len(staged))
	for _, field := range fields {
		value, ok := staged[field]
		if !ok {
			continue
		}
		schema.Apply(contact, field, value)
		applied = append(applied, field)
	}
	if _, explicit := staged["normalized_phone"]; !explicit {
		if _, phoneChanged := staged["phone"]; phoneChanged {
			if normalized, valid := NormalizePhone(contact.Phone); valid {
				contact.NormalizedPhone = normalized
			}
		}
	}
	mergeOverflow(contact, m.Overflow)

	return &mergeOutcome{AppliedFields: applied}, nil
}

// mergeOverflow unions the incoming overflow bag into the contact's,
// dropping values already present.
func mergeOverflow(contact *domain.Contact, incoming map[string][]string) {
	if len(incoming) == 0 {
		return
	}
	if contact.Overflow == nil {
		contact.Overflow = make(map[string][]string)
	}
	for key, values := range incoming {
		existing := make(map[string]bool, len(contact.Overflow[key]))
		for _, v := range contact.Overflow[key] {
			existing[v] = true
		}
		for _, v := range values {
			if !existing[v] {
				contact.Overflow[key] = append(contact.Overflow[key], v)
				existing[v] = true
			}
		}
	}
}

func collisionError(owner *domain.Contact, snapEmail, snapPhone string) *IdentifierConflictError {
	if snapEmail != "" && owner.Email == snapEmail {
		return &IdentifierConflictError{ContactID: owner.ID, Field: "email", Value: snapEmail}
	}
	return &IdentifierConflictError{ContactID: owner.ID, Field: "normalized_phone", Value: snapPhone}
}
