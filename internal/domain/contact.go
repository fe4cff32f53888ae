package domain

import "time"

// Contact represents a single CRM contact. Core identifiers and the most
// commonly queried attributes live in dedicated columns; exploded multi-value
// slots (mobile_phone_2, personal_email_7, ...) live in the Slots map and
// anything beyond a non-explodable field's single-value capacity lives in
// Overflow.
type Contact struct {
	ID              string `json:"id" db:"id"`
	OrganizationID  string `json:"organization_id" db:"organization_id"`
	Email           string `json:"email" db:"email"`
	Phone           string `json:"phone" db:"phone"`
	NormalizedPhone string `json:"normalized_phone" db:"normalized_phone"`
	FirstName       string `json:"first_name" db:"first_name"`
	LastName        string `json:"last_name" db:"last_name"`
	Company         string `json:"company" db:"company"`
	JobTitle        string `json:"job_title" db:"job_title"`
	City            string `json:"city" db:"city"`
	State           string `json:"state" db:"state"`
	Country         string `json:"country" db:"country"`
	Zip             string `json:"zip" db:"zip"`

	LeadScore            *int `json:"lead_score" db:"lead_score"`
	CompanyEmployeeCount *int `json:"company_employee_count" db:"company_employee_count"`

	// Slots holds exploded attribute columns keyed by slot name
	// (e.g. "mobile_phone_2", "personal_email", "direct_number_dnc").
	Slots map[string]string `json:"slots" db:"slots"`

	// Overflow holds values that exceed a non-explodable scalar field's
	// capacity, keyed by "additional_<field>".
	Overflow map[string][]string `json:"overflow_data" db:"overflow_data"`

	IsActive  bool       `json:"is_active" db:"is_active"`
	DeletedAt *time.Time `json:"deleted_at" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Tag is a label that can be attached to contacts.
type Tag struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// AppliedTag records a tag attached to a contact by an actor.
type AppliedTag struct {
	ContactID string    `json:"contact_id" db:"contact_id"`
	TagID     string    `json:"tag_id" db:"tag_id"`
	AppliedBy string    `json:"applied_by" db:"applied_by"`
	AppliedAt time.Time `json:"applied_at" db:"applied_at"`
}
