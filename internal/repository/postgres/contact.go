package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/crm-backend/internal/dedupe"
	"github.com/ignite/crm-backend/internal/domain"
)

// ContactStore implements dedupe.ContactStore against PostgreSQL.
// Identifier uniqueness is enforced by partial unique indexes on (email)
// and (normalized_phone) scoped to is_active = true; the import engine
// leans on those indexes instead of row locking the identifier space.
type ContactStore struct{ db *sql.DB }

// NewContactStore creates a Postgres-backed contact store.
func NewContactStore(db *sql.DB) *ContactStore { return &ContactStore{db: db} }

const contactColumns = `id, organization_id, email, phone, normalized_phone,
	first_name, last_name, company, job_title, city, state, country, zip,
	lead_score, company_employee_count, slots, overflow_data,
	is_active, deleted_at, created_at, updated_at`

const findActiveSQL = `
	SELECT ` + contactColumns + `
	FROM crm_contacts
	WHERE is_active = true
	  AND (email = ANY($1) OR normalized_phone = ANY($2))`

// FindActiveByEmailOrPhone returns active contacts owning any of the given
// normalized identifiers. Callers chunk the slices; one call is one query.
func (s *ContactStore) FindActiveByEmailOrPhone(ctx context.Context, emails, phones []string) ([]*domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, findActiveSQL, pq.Array(emails), pq.Array(phones))
	if err != nil {
		return nil, fmt.Errorf("find contacts: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

// Begin opens one chunk-scoped import transaction.
func (s *ContactStore) Begin(ctx context.Context) (dedupe.ContactTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &contactTx{tx: tx}, nil
}

// contactTx is one import chunk transaction.
type contactTx struct{ tx *sql.Tx }

// Create inserts a contact and flushes it inside the transaction so its id
// is usable immediately. A unique-index violation on an active contact's
// email or normalized_phone is not an error: the insert is rolled back to
// a savepoint and the owning contact's id is returned as a collision, so
// the engine can retry the row as a merge.
func (t *contactTx) Create(ctx context.Context, c *domain.Contact) (dedupe.CreateOutcome, error) {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT create_sp"); err != nil {
		return dedupe.CreateOutcome{}, fmt.Errorf("create savepoint: %w", err)
	}

	slots, overflow, err := marshalMaps(c)
	if err != nil {
		return dedupe.CreateOutcome{}, err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO crm_contacts (
			id, organization_id, email, phone, normalized_phone,
			first_name, last_name, company, job_title, city, state, country, zip,
			lead_score, company_employee_count, slots, overflow_data,
			is_active, created_at, updated_at
		) VALUES (
			$1, $2, NULLIF($3, ''), $4, NULLIF($5, ''),
			$6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			true, NOW(), NOW()
		)`,
		c.ID, c.OrganizationID, c.Email, c.Phone, c.NormalizedPhone,
		c.FirstName, c.LastName, c.Company, c.JobTitle, c.City, c.State, c.Country, c.Zip,
		c.LeadScore, c.CompanyEmployeeCount, slots, overflow,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT create_sp"); rbErr != nil {
				return dedupe.CreateOutcome{}, fmt.Errorf("rollback create savepoint: %w", rbErr)
			}
			existingID, findErr := t.findOwnerID(ctx, c.Email, c.NormalizedPhone)
			if findErr != nil {
				return dedupe.CreateOutcome{}, findErr
			}
			return dedupe.CreateOutcome{ExistingID: existingID}, nil
		}
		return dedupe.CreateOutcome{}, fmt.Errorf("insert contact: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT create_sp"); err != nil {
		return dedupe.CreateOutcome{}, fmt.Errorf("release create savepoint: %w", err)
	}
	return dedupe.CreateOutcome{Contact: c}, nil
}

func (t *contactTx) findOwnerID(ctx context.Context, email, phone string) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM crm_contacts
		WHERE is_active = true AND (email = $1 OR normalized_phone = $2)
		LIMIT 1`, email, phone).Scan(&id)
	if err == sql.ErrNoRows {
		// The winner may have been deactivated between the violation and
		// this read; the engine falls back to the row's identifier set.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve collision owner: %w", err)
	}
	return id, nil
}

// Save writes a merged contact back.
func (t *contactTx) Save(ctx context.Context, c *domain.Contact) error {
	slots, overflow, err := marshalMaps(c)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE crm_contacts SET
			email = NULLIF($2, ''), phone = $3, normalized_phone = NULLIF($4, ''),
			first_name = $5, last_name = $6, company = $7, job_title = $8,
			city = $9, state = $10, country = $11, zip = $12,
			lead_score = $13, company_employee_count = $14,
			slots = $15, overflow_data = $16, updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.Email, c.Phone, c.NormalizedPhone,
		c.FirstName, c.LastName, c.Company, c.JobTitle,
		c.City, c.State, c.Country, c.Zip,
		c.LeadScore, c.CompanyEmployeeCount, slots, overflow,
	)
	if err != nil {
		return fmt.Errorf("save contact %s: %w", c.ID, err)
	}
	return nil
}

// FindCollision returns another active contact owning any of the given
// identifiers, or nil when they are free.
func (t *contactTx) FindCollision(ctx context.Context, excludeID string, emails, phones []string) (*domain.Contact, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM crm_contacts
		WHERE is_active = true
		  AND id <> $1
		  AND (email = ANY($2) OR normalized_phone = ANY($3))
		LIMIT 1`,
		excludeID, pq.Array(emails), pq.Array(phones))
	if err != nil {
		return nil, fmt.Errorf("find collision: %w", err)
	}
	defer rows.Close()
	contacts, err := scanContacts(rows)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return contacts[0], nil
}

func (t *contactTx) FindActiveByEmailOrPhone(ctx context.Context, emails, phones []string) ([]*domain.Contact, error) {
	rows, err := t.tx.QueryContext(ctx, findActiveSQL, pq.Array(emails), pq.Array(phones))
	if err != nil {
		return nil, fmt.Errorf("find contacts: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

// ApplyTags attaches tags to a contact. Re-adding a present tag is a
// no-op, never an error.
func (t *contactTx) ApplyTags(ctx context.Context, contactID string, tagIDs []string, actorID string) error {
	for _, tagID := range tagIDs {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO crm_contact_tags (contact_id, tag_id, applied_by, applied_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (contact_id, tag_id) DO NOTHING`,
			contactID, tagID, actorID)
		if err != nil {
			return fmt.Errorf("apply tag %s: %w", tagID, err)
		}
	}
	return nil
}

func (t *contactTx) Savepoint(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT row_sp")
	return err
}

func (t *contactTx) RollbackRow(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT row_sp")
	return err
}

func (t *contactTx) ReleaseRow(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT row_sp")
	return err
}

func (t *contactTx) Commit() error   { return t.tx.Commit() }
func (t *contactTx) Rollback() error { return t.tx.Rollback() }

func marshalMaps(c *domain.Contact) ([]byte, []byte, error) {
	slots := c.Slots
	if slots == nil {
		slots = map[string]string{}
	}
	overflow := c.Overflow
	if overflow == nil {
		overflow = map[string][]string{}
	}
	slotsJSON, err := json.Marshal(slots)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal slots: %w", err)
	}
	overflowJSON, err := json.Marshal(overflow)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal overflow: %w", err)
	}
	return slotsJSON, overflowJSON, nil
}

func scanContacts(rows *sql.Rows) ([]*domain.Contact, error) {
	var out []*domain.Contact
	for rows.Next() {
		var (
			c             domain.Contact
			email, nphone sql.NullString
			slots         []byte
			overflow      []byte
		)
		if err := rows.Scan(
			&c.ID, &c.OrganizationID, &email, &c.Phone, &nphone,
			&c.FirstName, &c.LastName, &c.Company, &c.JobTitle,
			&c.City, &c.State, &c.Country, &c.Zip,
			&c.LeadScore, &c.CompanyEmployeeCount, &slots, &overflow,
			&c.IsActive, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.Email = email.String
		c.NormalizedPhone = nphone.String
		if len(slots) > 0 {
			if err := json.Unmarshal(slots, &c.Slots); err != nil {
				return nil, fmt.Errorf("unmarshal slots for %s: %w", c.ID, err)
			}
		}
		if len(overflow) > 0 {
			if err := json.Unmarshal(overflow, &c.Overflow); err != nil {
				return nil, fmt.Errorf("unmarshal overflow for %s: %w", c.ID, err)
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
