package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/crm-backend/internal/domain"
)

// TagStore manages tags outside the import transaction path.
type TagStore struct{ db *sql.DB }

// NewTagStore creates a Postgres-backed tag store.
func NewTagStore(db *sql.DB) *TagStore { return &TagStore{db: db} }

// Create inserts a new tag for an organization.
func (s *TagStore) Create(ctx context.Context, orgID, name string) (*domain.Tag, error) {
	tag := &domain.Tag{ID: uuid.New().String(), OrganizationID: orgID, Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO crm_tags (id, organization_id, name, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING created_at`,
		tag.ID, orgID, name).Scan(&tag.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create tag: %w", err)
	}
	return tag, nil
}

// ApplyTags attaches tags to a contact, idempotently, in its own
// transaction. The import engine uses the tx-scoped variant instead.
func (s *TagStore) ApplyTags(ctx context.Context, contactID string, tagIDs []string, actorID string) ([]domain.AppliedTag, error) {
	var applied []domain.AppliedTag
	for _, tagID := range tagIDs {
		var a domain.AppliedTag
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO crm_contact_tags (contact_id, tag_id, applied_by, applied_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (contact_id, tag_id) DO NOTHING
			RETURNING contact_id, tag_id, applied_by, applied_at`,
			contactID, tagID, actorID).Scan(&a.ContactID, &a.TagID, &a.AppliedBy, &a.AppliedAt)
		if err == sql.ErrNoRows {
			continue // already applied
		}
		if err != nil {
			return nil, fmt.Errorf("apply tag %s: %w", tagID, err)
		}
		applied = append(applied, a)
	}
	return applied, nil
}

// TagsFor lists the tags attached to a contact.
func (s *TagStore) TagsFor(ctx context.Context, contactID string) ([]domain.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.organization_id, t.name, t.created_at
		FROM crm_tags t
		JOIN crm_contact_tags ct ON ct.tag_id = t.id
		WHERE ct.contact_id = $1
		ORDER BY t.name`, contactID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
