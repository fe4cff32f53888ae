package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/crm-backend/internal/dedupe"
	"github.com/ignite/crm-backend/internal/domain"
)

var contactCols = []string{
	"id", "organization_id", "email", "phone", "normalized_phone",
	"first_name", "last_name", "company", "job_title", "city", "state", "country", "zip",
	"lead_score", "company_employee_count", "slots", "overflow_data",
	"is_active", "deleted_at", "created_at", "updated_at",
}

func contactRow(id, email, nphone string, slots string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, "org-1", nullable(email), "", nullable(nphone),
		"Ada", "Lovelace", "Acme", "", "", "", "", "",
		nil, nil, []byte(slots), []byte(`{}`),
		true, nil, now, now,
	}
}

func nullable(s string) driver.Value {
	if s == "" {
		return nil
	}
	return s
}

func newMockStore(t *testing.T) (*ContactStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewContactStore(db), mock
}

func TestFindActiveByEmailOrPhone(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(contactCols).
		AddRow(contactRow("c-1", "a@x.com", "", `{"mobile_phone_2":"+15551230002"}`)...).
		AddRow(contactRow("c-2", "", "+15551230001", `{}`)...)

	mock.ExpectQuery(regexp.QuoteMeta("email = ANY($1) OR normalized_phone = ANY($2)")).
		WithArgs(pq.Array([]string{"a@x.com"}), pq.Array([]string{"+15551230001"})).
		WillReturnRows(rows)

	contacts, err := store.FindActiveByEmailOrPhone(context.Background(), []string{"a@x.com"}, []string{"+15551230001"})
	require.NoError(t, err)
	require.Len(t, contacts, 2)

	assert.Equal(t, "a@x.com", contacts[0].Email)
	assert.Equal(t, "+15551230002", contacts[0].Slots["mobile_phone_2"])
	// NULL email scans to an empty string, not a panic.
	assert.Equal(t, "", contacts[1].Email)
	assert.Equal(t, "+15551230001", contacts[1].NormalizedPhone)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateContact(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT create_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO crm_contacts")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT create_sp").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	outcome, err := tx.Create(context.Background(), &domain.Contact{
		ID: "c-new", OrganizationID: "org-1", Email: "a@x.com", IsActive: true,
	})
	require.NoError(t, err)
	assert.False(t, outcome.Collided())
	assert.Equal(t, "c-new", outcome.Contact.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// A 23505 on the partial unique index is a collision, not an error: the
// insert rolls back to its savepoint and the owner's id comes back.
func TestCreateContactUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT create_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO crm_contacts")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "crm_contacts_email_active_idx"})
	mock.ExpectExec("ROLLBACK TO SAVEPOINT create_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM crm_contacts")).
		WithArgs("a@x.com", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-owner"))

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	outcome, err := tx.Create(context.Background(), &domain.Contact{ID: "c-new", Email: "a@x.com"})
	require.NoError(t, err)
	assert.True(t, outcome.Collided())
	assert.Equal(t, "c-owner", outcome.ExistingID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// The collision owner can vanish before the follow-up read; the outcome
// still reports a collision with an empty id.
func TestCreateContactCollisionOwnerGone(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT create_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO crm_contacts")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectExec("ROLLBACK TO SAVEPOINT create_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM crm_contacts")).
		WillReturnError(sql.ErrNoRows)

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	outcome, err := tx.Create(context.Background(), &domain.Contact{ID: "c-new", Email: "a@x.com"})
	require.NoError(t, err)
	assert.False(t, outcome.Collided())
	assert.Nil(t, outcome.Contact)
}

func TestCreateContactOtherErrorPropagates(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT create_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO crm_contacts")).
		WillReturnError(&pq.Error{Code: "23502", Message: "null value in column"})

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	_, err = tx.Create(context.Background(), &domain.Contact{ID: "c-new"})
	assert.Error(t, err)
}

func TestSaveContact(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE crm_contacts SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	err = tx.Save(context.Background(), &domain.Contact{
		ID:    "c-1",
		Email: "a@x.com",
		Slots: map[string]string{"mobile_phone_2": "+15551230002"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCollisionExcludesSelf(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("id <> $1")).
		WithArgs("c-self", pq.Array([]string{"a@x.com"}), pq.Array([]string(nil))).
		WillReturnRows(sqlmock.NewRows(contactCols))

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	other, err := tx.FindCollision(context.Background(), "c-self", []string{"a@x.com"}, nil)
	require.NoError(t, err)
	assert.Nil(t, other)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTagsIdempotentInsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	insert := regexp.QuoteMeta("ON CONFLICT (contact_id, tag_id) DO NOTHING")
	mock.ExpectExec(insert).WithArgs("c-1", "tag-1", "user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs("c-1", "tag-2", "user-1").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	err = tx.ApplyTags(context.Background(), "c-1", []string{"tag-1", "tag-2"}, "user-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowSavepointLifecycle(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT row_sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tx.Savepoint(ctx))
	require.NoError(t, tx.RollbackRow(ctx))
	require.NoError(t, tx.Savepoint(ctx))
	require.NoError(t, tx.ReleaseRow(ctx))
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

// The store satisfies the engine's contract.
var _ dedupe.ContactStore = (*ContactStore)(nil)
