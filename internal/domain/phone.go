package domain

import "strings"

// NormalizePhone reduces a provider address ("whatsapp:+90555…",
// "90555…@c.us", "+90 555 …") to the canonical +<digits> form.
// It returns "" when the input carries no digits.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	// WAHA multi-device ids look like 905551112233:12@c.us
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	b.Grow(len(s) + 1)
	b.WriteByte('+')
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}
