package schema

import (
	"strconv"
	"strings"

	"github.com/ignite/crm-backend/internal/domain"
)

// MaxSlots is the hard cap on numbered overflow slots per explodable base
// attribute. The contact table has exactly this many physical columns per
// base, so it must not be raised without a schema migration.
const MaxSlots = 30

// explodableBases are the canonical attributes that fan out into numbered
// slot columns (base, base_2 ... base_30).
var explodableBases = map[string]bool{
	"mobile_phone":            true,
	"personal_phone":          true,
	"direct_number":           true,
	"company_phone":           true,
	"business_email":          true,
	"personal_email":          true,
	"personal_verified_email": true,
	"business_verified_email": true,
	"sha256_personal_email":   true,
	"sha256_business_email":   true,
}

// multiValueScalars are fields that arrive comma-joined but persist only
// their first valid value as a scalar.
var multiValueScalars = map[string]bool{
	"email":                     true,
	"personal_emails":           true,
	"business_emails":           true,
	"personal_verified_emails":  true,
	"business_verified_emails":  true,
	"phone":                     true,
	"valid_phones":              true,
}

// overflowCollected marks multi-value scalars whose surplus values are kept
// in overflow_data instead of being dropped.
var overflowCollected = map[string]bool{
	"phone":        true,
	"valid_phones": true,
}

// numericFields accept ranged strings ("10-50", "10+") and persist the
// lower bound as an integer.
var numericFields = map[string]bool{
	"lead_score":             true,
	"company_employee_count": true,
	"company_revenue":        true,
	"years_experience":       true,
}

// fieldLengths holds VARCHAR limits for attributes whose columns are
// narrower than the 255 default.
var fieldLengths = map[string]int{
	"state":        2,
	"country":      64,
	"zip":          16,
	"phone":        32,
	"first_name":   100,
	"last_name":    100,
	"job_title":    150,
	"linkedin_url": 512,
}

const defaultFieldLength = 255

// IsExplodable reports whether base has numbered slot columns.
func IsExplodable(base string) bool { return explodableBases[base] }

// IsMultiValueScalar reports whether field arrives comma-joined but stores
// a single scalar.
func IsMultiValueScalar(field string) bool { return multiValueScalars[field] }

// CollectsOverflow reports whether a multi-value scalar keeps its surplus
// values in overflow_data.
func CollectsOverflow(field string) bool { return overflowCollected[field] }

// IsNumeric reports whether field stores an integer.
func IsNumeric(field string) bool { return numericFields[field] }

// IsHashField reports whether a field carries SHA-256 digests. A hash field
// is never treated as an email field even when its name contains "email".
func IsHashField(field string) bool {
	return strings.Contains(strings.ToLower(field), "sha256")
}

// IsEmailField reports whether a field carries email addresses.
func IsEmailField(field string) bool {
	if IsHashField(field) {
		return false
	}
	return strings.Contains(strings.ToLower(field), "email")
}

// IsPhoneField reports whether a field carries phone numbers.
func IsPhoneField(field string) bool {
	f := strings.ToLower(field)
	if strings.HasSuffix(f, "_dnc") {
		return false
	}
	return strings.Contains(f, "phone") || strings.Contains(f, "number")
}

// IsDNCField reports whether a field is a do-not-call boolean list paired
// positionally with a phone field.
func IsDNCField(field string) bool {
	return strings.HasSuffix(strings.ToLower(field), "_dnc")
}

// DNCPhoneField returns the phone field a DNC flag list is paired with.
func DNCPhoneField(field string) string {
	return strings.TrimSuffix(strings.ToLower(field), "_dnc")
}

// SlotName returns the physical column name for sub-value i (0-indexed) of
// an explodable base: the bare base for i=0, base_2 ... base_30 after that.
func SlotName(base string, i int) string {
	if i == 0 {
		return base
	}
	return base + "_" + strconv.Itoa(i+1)
}

// MaxLen returns the VARCHAR limit for an attribute.
func MaxLen(field string) int {
	if n, ok := fieldLengths[field]; ok {
		return n
	}
	// Slot columns share their base attribute's limit.
	if n, ok := fieldLengths[baseOf(field)]; ok {
		return n
	}
	return defaultFieldLength
}

// Truncate clamps a value to its attribute's declared column width. The
// clamp is byte-based to match VARCHAR enforcement in the store.
func Truncate(field, value string) string {
	max := MaxLen(field)
	if len(value) <= max {
		return value
	}
	return value[:max]
}

// baseOf strips a numeric slot suffix ("mobile_phone_17" -> "mobile_phone")
// and a trailing _dnc marker.
func baseOf(field string) string {
	f := strings.TrimSuffix(field, "_dnc")
	if idx := strings.LastIndex(f, "_"); idx > 0 {
		if _, err := strconv.Atoi(f[idx+1:]); err == nil {
			return f[:idx]
		}
	}
	return f
}

// ParseNumeric extracts the integer value of a numeric attribute. Ranged
// inputs ("10-50", "10 to 50", "10+") resolve to their lower bound. The
// second return is false when no leading integer can be found; callers drop
// the value rather than storing a zero.
func ParseNumeric(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	// Strip float artifacts from spreadsheet exports ("250.0").
	if idx := strings.IndexAny(s, ".,"); idx > 0 {
		if _, err := strconv.Atoi(s[:idx]); err == nil {
			s = s[:idx]
		}
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Apply writes one canonical attribute onto a contact. Core attributes map
// to dedicated struct fields; everything else lands in the slot map. The
// dispatch is exhaustive over the dedicated columns so the explodable and
// length tables cannot silently drift from the record schema.
func Apply(c *domain.Contact, field, value string) {
	switch field {
	case "email":
		c.Email = value
	case "phone":
		c.Phone = value
	case "normalized_phone":
		c.NormalizedPhone = value
	case "first_name":
		c.FirstName = value
	case "last_name":
		c.LastName = value
	case "company", "company_name":
		c.Company = value
	case "job_title", "title":
		c.JobTitle = value
	case "city":
		c.City = value
	case "state":
		c.State = value
	case "country":
		c.Country = value
	case "zip", "postal_code":
		c.Zip = value
	case "lead_score":
		if n, ok := ParseNumeric(value); ok {
			c.LeadScore = &n
		}
	case "company_employee_count":
		if n, ok := ParseNumeric(value); ok {
			c.CompanyEmployeeCount = &n
		}
	default:
		if c.Slots == nil {
			c.Slots = make(map[string]string)
		}
		c.Slots[field] = value
	}
}

// Get reads one canonical attribute off a contact, the inverse of Apply.
func Get(c *domain.Contact, field string) string {
	switch field {
	case "email":
		return c.Email
	case "phone":
		return c.Phone
	case "normalized_phone":
		return c.NormalizedPhone
	case "first_name":
		return c.FirstName
	case "last_name":
		return c.LastName
	case "company", "company_name":
		return c.Company
	case "job_title", "title":
		return c.JobTitle
	case "city":
		return c.City
	case "state":
		return c.State
	case "country":
		return c.Country
	case "zip", "postal_code":
		return c.Zip
	case "lead_score":
		if c.LeadScore != nil {
			return strconv.Itoa(*c.LeadScore)
		}
		return ""
	case "company_employee_count":
		if c.CompanyEmployeeCount != nil {
			return strconv.Itoa(*c.CompanyEmployeeCount)
		}
		return ""
	default:
		return c.Slots[field]
	}
}
