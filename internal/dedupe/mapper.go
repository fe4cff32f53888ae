package dedupe

import (
	"strconv"
	"strings"

	"github.com/ignite/crm-backend/internal/schema"
)

// MappedRow is the Field Mapper's output for one row: a canonical
// attribute patch plus the row's normalized identifier set.
type MappedRow struct {
	RowID int

	// Patch maps canonical attribute name (including slot names like
	// mobile_phone_2) to its normalized, truncated value.
	Patch map[string]string

	// Overflow holds surplus values of non-explodable multi-value fields,
	// keyed by "additional_<field>".
	Overflow map[string][]string

	// Emails and Phones are the ordered, de-duplicated identifier set
	// extracted from every email/phone-bearing column. Never contain
	// empty strings.
	Emails []string
	Phones []string

	PrimaryEmail string
	PrimaryPhone string
}

// HasEmail reports whether the row produced at least one valid email.
func (m *MappedRow) HasEmail() bool { return len(m.Emails) > 0 }

// HasPhone reports whether the row produced at least one valid phone.
func (m *MappedRow) HasPhone() bool { return len(m.Phones) > 0 }

// HasIdentifier reports whether the row can participate in matching at all.
func (m *MappedRow) HasIdentifier() bool { return m.HasEmail() || m.HasPhone() }

// MapRow maps one raw row onto canonical contact attributes using the
// caller-supplied {rawColumn -> canonicalField} mapping. Multi-value cells
// are comma-split; explodable fields fan out into numbered slots, capped at
// the schema's slot limit with no gaps; everything else keeps its first
// valid value. Malformed input never produces an error; at worst a field
// is absent from the patch.
func MapRow(row Row, fieldMapping map[string]string) *MappedRow {
	m := &MappedRow{
		RowID:    row.ID,
		Patch:    make(map[string]string),
		Overflow: make(map[string][]string),
	}

	seenEmail := make(map[string]bool)
	seenPhone := make(map[string]bool)

	// slotsBySub remembers, per phone field, which slot each comma
	// position landed in, so DNC flags can align to slots in a second
	// pass regardless of column order.
	slotsBySub := make(map[string]map[int]string)

	for _, col := range row.Columns {
		field, ok := fieldMapping[col]
		if !ok || field == "" {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		raw := strings.TrimSpace(row.Values[col])
		if raw == "" {
			continue
		}
		if schema.IsDNCField(field) {
			continue // second pass
		}
		m.mapCell(field, raw, seenEmail, seenPhone, slotsBySub)
	}

	for _, col := range row.Columns {
		field, ok := fieldMapping[col]
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		if !schema.IsDNCField(field) {
			continue
		}
		raw := strings.TrimSpace(row.Values[col])
		if raw == "" {
			continue
		}
		m.mapDNC(field, raw, slotsBySub)
	}

	return m
}

func (m *MappedRow) mapCell(field, raw string, seenEmail, seenPhone map[string]bool, slotsBySub map[string]map[int]string) {
	switch {
	case schema.IsExplodable(field):
		m.explode(field, raw, seenEmail, seenPhone, slotsBySub)

	case schema.IsMultiValueScalar(field):
		m.firstValueWins(field, raw, seenEmail, seenPhone)

	case schema.IsHashField(field):
		if h, ok := ValidateHash(raw); ok {
			m.Patch[field] = h
		}

	case schema.IsEmailField(field):
		if email, ok := NormalizeEmail(raw); ok {
			m.Patch[field] = email
			m.addEmail(email, seenEmail)
		}

	case schema.IsPhoneField(field):
		if phone, ok := NormalizePhone(raw); ok {
			m.Patch[field] = phone
			m.addPhone(phone, seenPhone)
		}

	case schema.IsNumeric(field):
		if n, ok := schema.ParseNumeric(raw); ok {
			m.Patch[field] = strconv.Itoa(n)
		}

	case field == "state":
		m.Patch[field] = schema.Truncate(field, strings.ToUpper(raw))

	default:
		m.Patch[field] = schema.Truncate(field, raw)
	}
}

// explode fans a comma-joined cell out into numbered slots. Only valid
// sub-values consume a slot, so slot n is populated only when slots
// 1..n-1 are too.
func (m *MappedRow) explode(base, raw string, seenEmail, seenPhone map[string]bool, slotsBySub map[string]map[int]string) {
	subs := splitCell(raw)
	slot := 0
	for i, sub := range subs {
		val, ok := m.normalizeSub(base, sub, seenEmail, seenPhone)
		if !ok {
			continue
		}
		// Past the cap the value loses its slot but keeps matching:
		// normalizeSub already recorded it as an identifier.
		if slot >= schema.MaxSlots {
			continue
		}
		name := schema.SlotName(base, slot)
		m.Patch[name] = schema.Truncate(base, val)
		if schema.IsPhoneField(base) {
			if slotsBySub[base] == nil {
				slotsBySub[base] = make(map[int]string)
			}
			slotsBySub[base][i] = name
		}
		slot++
	}
}

// firstValueWins keeps the first valid sub-value of a non-explodable
// multi-value field and, where the schema says so, shuttles the remainder
// into the overflow bag instead of dropping it.
func (m *MappedRow) firstValueWins(field, raw string, seenEmail, seenPhone map[string]bool) {
	subs := splitCell(raw)
	var rest []string
	for _, sub := range subs {
		val, ok := m.normalizeSub(field, sub, seenEmail, seenPhone)
		if !ok {
			continue
		}
		if _, has := m.Patch[field]; !has {
			m.Patch[field] = schema.Truncate(field, val)
			continue
		}
		rest = append(rest, val)
	}
	if len(rest) > 0 && schema.CollectsOverflow(field) {
		key := "additional_" + field
		m.Overflow[key] = append(m.Overflow[key], rest...)
	}
}

// normalizeSub validates one sub-value per its field kind and records any
// identifier it yields.
func (m *MappedRow) normalizeSub(field, sub string, seenEmail, seenPhone map[string]bool) (string, bool) {
	switch {
	case schema.IsHashField(field):
		return ValidateHash(sub)
	case schema.IsEmailField(field):
		email, ok := NormalizeEmail(sub)
		if !ok {
			return "", false
		}
		m.addEmail(email, seenEmail)
		return email, true
	case schema.IsPhoneField(field):
		phone, ok := NormalizePhone(sub)
		if !ok {
			return "", false
		}
		m.addPhone(phone, seenPhone)
		return phone, true
	default:
		sub = strings.TrimSpace(sub)
		return sub, sub != ""
	}
}

// mapDNC aligns a comma-joined boolean list positionally with its paired
// phone list and writes each flag next to the slot its phone landed in.
// Flags whose phone was invalid (and so consumed no slot) are dropped.
func (m *MappedRow) mapDNC(field, raw string, slotsBySub map[string]map[int]string) {
	phoneField := schema.DNCPhoneField(field)
	slots := slotsBySub[phoneField]
	if slots == nil {
		return
	}
	for i, sub := range splitCell(raw) {
		slot, ok := slots[i]
		if !ok {
			continue
		}
		m.Patch[slot+"_dnc"] = strconv.FormatBool(parseBool(sub))
	}
}

func (m *MappedRow) addEmail(email string, seen map[string]bool) {
	if email == "" || seen[email] {
		return
	}
	seen[email] = true
	m.Emails = append(m.Emails, email)
	if m.PrimaryEmail == "" {
		m.PrimaryEmail = email
	}
}

func (m *MappedRow) addPhone(phone string, seen map[string]bool) {
	if phone == "" || seen[phone] {
		return
	}
	seen[phone] = true
	m.Phones = append(m.Phones, phone)
	if m.PrimaryPhone == "" {
		m.PrimaryPhone = phone
	}
}

func splitCell(raw string) []string {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "y", "t":
		return true
	default:
		return false
	}
}
