package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/crm-backend/internal/domain"
)

// Row is one unit of import input: an ordered mapping of raw column name to
// raw cell value plus the row's stable 1-based position in the batch
// (offset past the header). Rows are never mutated by the engine.
type Row struct {
	ID      int
	Columns []string
	Values  map[string]string
}

// NewRow builds a Row from an ordered column list and its values.
func NewRow(id int, columns []string, values map[string]string) Row {
	return Row{ID: id, Columns: columns, Values: values}
}

// Classification tags a row with exactly one import disposition.
type Classification string

const (
	ClassNew          Classification = "new"
	ClassDuplicate    Classification = "duplicate"
	ClassIntraFileDup Classification = "intra_file_duplicate"
	ClassConflict     Classification = "conflict"
	ClassInvalid      Classification = "invalid"
)

// FieldDiff is one field-by-field comparison between an incoming row and
// the existing contact it matched.
type FieldDiff struct {
	Field    string `json:"field"`
	Incoming string `json:"incoming"`
	Existing string `json:"existing"`
}

// ConflictCandidate names one of the distinct existing contacts a conflict
// row matched, and which identifier pulled it in.
type ConflictCandidate struct {
	ContactID string `json:"contact_id"`
	MatchedBy string `json:"matched_by"` // "email" or "phone"
	Value     string `json:"value"`
}

// ClassificationEntry is the per-row outcome of the two-stage matcher.
type ClassificationEntry struct {
	RowID int            `json:"row_id"`
	Class Classification `json:"classification"`

	// FirstRowID points at the owning row for intra-file duplicates.
	FirstRowID int `json:"first_row_id,omitempty"`

	// ContactID binds a Duplicate row to its single matched contact.
	ContactID string      `json:"contact_id,omitempty"`
	Diff      []FieldDiff `json:"diff,omitempty"`

	// Candidates lists the ambiguous matches for a Conflict row.
	Candidates []ConflictCandidate `json:"candidates,omitempty"`

	// Reason explains Invalid rows.
	Reason string `json:"reason,omitempty"`
}

// ValidationSummary is the read-only result of Classify.
type ValidationSummary struct {
	TotalRows     int                   `json:"total_rows"`
	New           int                   `json:"new"`
	Duplicates    int                   `json:"duplicates"`
	IntraFileDups int                   `json:"intra_file_duplicates"`
	Conflicts     int                   `json:"conflicts"`
	Invalid       int                   `json:"invalid"`
	Entries       []ClassificationEntry `json:"entries"`
}

// Choice selects which side of a merge wins a field.
type Choice string

const (
	ChooseExisting Choice = "existing"
	ChooseIncoming Choice = "incoming"
)

// DecisionAction is the caller's per-row instruction.
type DecisionAction string

const (
	ActionSkip   DecisionAction = "skip"
	ActionUpdate DecisionAction = "update"
)

// MergeDecision is the caller-supplied instruction for one matched row.
// Rows without a decision default to update with every field keeping the
// existing value.
type MergeDecision struct {
	Action         DecisionAction    `json:"action"`
	ContactID      string            `json:"contact_id,omitempty"` // explicit target, else classifier binding
	DefaultChoice  Choice            `json:"default_choice"`
	FieldOverrides map[string]Choice `json:"field_overrides,omitempty"`
}

// ImportError is one structured per-row failure.
type ImportError struct {
	RowID   int    `json:"row_id"`
	Message string `json:"message"`
}

// ImportConflict records a merge that would have violated an identifier
// uniqueness constraint, or a conflict row left undecided.
type ImportConflict struct {
	RowID     int    `json:"row_id"`
	ContactID string `json:"contact_id,omitempty"`
	Field     string `json:"field,omitempty"`
	Value     string `json:"value,omitempty"`
	Message   string `json:"message"`
}

// ImportResult is the terminal aggregate returned to the caller. It is
// produced even when individual rows failed.
type ImportResult struct {
	ImportID   string           `json:"import_id"`
	Imported   int              `json:"imported"`
	Updated    int              `json:"updated"`
	Skipped    int              `json:"skipped"`
	Failed     int              `json:"failed"`
	Errors     []ImportError    `json:"errors,omitempty"`
	Conflicts  []ImportConflict `json:"conflicts,omitempty"`
	CreatedIDs []string         `json:"created_ids,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

// Config bounds the executor's transaction and lookup sizes.
type Config struct {
	// ChunkSize is the number of rows committed per transaction.
	ChunkSize int
	// LookupChunkSize caps identifiers per membership query so statements
	// stay under the driver's bound-parameter ceiling.
	LookupChunkSize int
	// MaxSampleErrors caps the structured errors retained verbatim; the
	// remainder is still counted.
	MaxSampleErrors int
}

const (
	defaultChunkSize       = 100
	defaultLookupChunkSize = 500
	defaultMaxSampleErrors = 50
)

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.LookupChunkSize <= 0 {
		c.LookupChunkSize = defaultLookupChunkSize
	}
	if c.MaxSampleErrors <= 0 {
		c.MaxSampleErrors = defaultMaxSampleErrors
	}
	return c
}

// CreateOutcome is the typed result of a contact insert. A collision with
// an active contact's unique identifier index is a normal branch here, not
// an error: the executor retries it as a merge.
type CreateOutcome struct {
	Contact    *domain.Contact
	ExistingID string
}

// Collided reports whether the insert lost a uniqueness race.
func (o CreateOutcome) Collided() bool { return o.ExistingID != "" }

// ContactStore is the persistence surface the engine reads through outside
// any transaction.
type ContactStore interface {
	// FindActiveByEmailOrPhone returns active contacts owning any of the
	// given normalized identifiers. Callers chunk the identifier sets.
	FindActiveByEmailOrPhone(ctx context.Context, emails, phones []string) ([]*domain.Contact, error)
	// Begin opens one chunk-scoped transaction.
	Begin(ctx context.Context) (ContactTx, error)
}

// ContactTx is a single chunk transaction. Savepoint/RollbackRow/ReleaseRow
// scope one row inside the chunk so a poisoned row does not abort its
// neighbors.
type ContactTx interface {
	Create(ctx context.Context, c *domain.Contact) (CreateOutcome, error)
	Save(ctx context.Context, c *domain.Contact) error
	// FindCollision returns another active contact owning any of the given
	// identifiers, excluding excludeID. Nil means the identifiers are free.
	FindCollision(ctx context.Context, excludeID string, emails, phones []string) (*domain.Contact, error)
	// FindActiveByEmailOrPhone re-resolves contacts inside the transaction,
	// used by the retry-as-merge path after a creation race.
	FindActiveByEmailOrPhone(ctx context.Context, emails, phones []string) ([]*domain.Contact, error)
	ApplyTags(ctx context.Context, contactID string, tagIDs []string, actorID string) error

	Savepoint(ctx context.Context) error
	RollbackRow(ctx context.Context) error
	ReleaseRow(ctx context.Context) error

	Commit() error
	Rollback() error
}

// IdentifierConflictError reports a merge that would hand an identifier
// already owned by another active contact.
type IdentifierConflictError struct {
	ContactID string // the contact that already owns the identifier
	Field     string
	Value     string
}

func (e *IdentifierConflictError) Error() string {
	return fmt.Sprintf("identifier conflict: %s=%q already owned by active contact %s",
		e.Field, e.Value, e.ContactID)
}

// ValidationError reports a row with no usable identifier.
type ValidationError struct {
	RowID  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d: %s", e.RowID, e.Reason)
}
