package webhook

import (
	"fmt"
	"regexp"
	"strings"

	"lead_router_backend/platform/phone"
)

// ContactProfile holds contact details found in an inbound payload via
// best-effort label matching.
type ContactProfile struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// Empty reports whether nothing was extracted.
func (p ContactProfile) Empty() bool {
	return p.FirstName == "" && p.LastName == "" && p.Email == "" && p.Phone == ""
}

// Fields maps the profile to the extracted-field keys the flows store.
func (p ContactProfile) Fields() map[string]any {
	out := map[string]any{}
	if p.FirstName != "" {
		out["first_name"] = p.FirstName
	}
	if p.LastName != "" {
		out["last_name"] = p.LastName
	}
	if p.Email != "" {
		out["email"] = p.Email
	}
	if p.Phone != "" {
		out["phone"] = p.Phone
	}
	return out
}

// ExtractProfile scans a flat payload for name, email and phone labels.
// Different CRM workflows send the same data under different keys.
func ExtractProfile(data map[string]any) ContactProfile {
	var result ContactProfile

	for key, raw := range data {
		value, ok := scalar(raw)
		if !ok || value == "" {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(key))

		switch {
		case matchesAny(k, firstNamePatterns):
			result.FirstName = value
		case matchesAny(k, lastNamePatterns):
			result.LastName = value
		case matchesAny(k, fullNamePatterns):
			if result.FirstName == "" {
				parts := strings.SplitN(value, " ", 2)
				result.FirstName = parts[0]
				if len(parts) > 1 && result.LastName == "" {
					result.LastName = parts[1]
				}
			}
		case matchesAny(k, emailPatterns):
			if emailRegex.MatchString(value) {
				result.Email = strings.ToLower(value)
			}
		case matchesAny(k, phonePatterns):
			result.Phone = phone.NormalizeE164(value)
		}
	}

	return result
}

var (
	firstNamePatterns = []string{"first_name", "firstname", "first name", "given_name", "fname"}
	lastNamePatterns  = []string{"last_name", "lastname", "last name", "family_name", "surname", "lname"}
	fullNamePatterns  = []string{"name", "full_name", "fullname", "contact_name"}
	emailPatterns     = []string{"email", "e-mail", "email_address", "contact_email"}
	phonePatterns     = []string{"phone", "phone_number", "phonenumber", "mobile", "contact_phone", "tel"}
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

var labelNormalizer = strings.NewReplacer("-", "", "_", "", " ", "")

func matchesAny(label string, patterns []string) bool {
	normalized := labelNormalizer.Replace(label)
	for _, p := range patterns {
		if normalized == labelNormalizer.Replace(p) {
			return true
		}
	}
	return false
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64, int, int64, bool:
		return fmt.Sprint(t), true
	default:
		return "", false
	}
}
