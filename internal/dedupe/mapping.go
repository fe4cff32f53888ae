package dedupe

import "strings"

// headerAliases maps common spreadsheet header spellings to canonical
// attribute names. Used only to pre-fill a mapping for the caller; the
// engine itself always works from the explicit mapping it is handed.
var headerAliases = map[string]string{
	// Email
	"email":          "email",
	"email_address":  "email",
	"email address":  "email",
	"emailaddress":   "email",
	"e-mail":         "email",
	"mail":           "email",
	"personal email": "personal_email",
	"personal_email": "personal_email",
	"business email": "business_email",
	"business_email": "business_email",
	"work email":     "business_email",

	// Phone
	"phone":          "phone",
	"phone_number":   "phone",
	"phonenumber":    "phone",
	"telephone":      "phone",
	"mobile":         "mobile_phone",
	"mobile phone":   "mobile_phone",
	"mobile_phone":   "mobile_phone",
	"cell":           "mobile_phone",
	"cell phone":     "mobile_phone",
	"direct number":  "direct_number",
	"direct_number":  "direct_number",
	"direct dial":    "direct_number",
	"company phone":  "company_phone",
	"company_phone":  "company_phone",
	"personal phone": "personal_phone",
	"personal_phone": "personal_phone",

	// Name
	"first_name": "first_name",
	"firstname":  "first_name",
	"first name": "first_name",
	"fname":      "first_name",
	"first":      "first_name",
	"last_name":  "last_name",
	"lastname":   "last_name",
	"last name":  "last_name",
	"lname":      "last_name",
	"last":       "last_name",

	// Company
	"company":      "company",
	"company name": "company",
	"company_name": "company",
	"organization": "company",
	"employer":     "company",
	"job title":    "job_title",
	"job_title":    "job_title",
	"title":        "job_title",
	"position":     "job_title",

	// Location
	"city":        "city",
	"state":       "state",
	"country":     "country",
	"zip":         "zip",
	"zipcode":     "zip",
	"zip_code":    "zip",
	"postal_code": "zip",
	"postal code": "zip",

	// Scores
	"lead score":             "lead_score",
	"lead_score":             "lead_score",
	"employees":              "company_employee_count",
	"employee count":         "company_employee_count",
	"company_employee_count": "company_employee_count",

	// Hashes
	"sha256 personal email": "sha256_personal_email",
	"sha256_personal_email": "sha256_personal_email",
	"sha256 business email": "sha256_business_email",
	"sha256_business_email": "sha256_business_email",
}

// SuggestMapping proposes a {rawColumn -> canonicalField} mapping for a
// header row by alias lookup. Unrecognized columns are left out; the
// caller reviews and completes the mapping before classifying.
func SuggestMapping(header []string) map[string]string {
	mapping := make(map[string]string)
	for _, col := range header {
		normalized := strings.ToLower(strings.TrimSpace(col))
		normalized = strings.Trim(normalized, "\"'")
		if field, ok := headerAliases[normalized]; ok {
			mapping[col] = field
		}
	}
	return mapping
}
