package psbot

import "strings"

// ToID normalizes a display name to Showdown's user id form: lowercase
// with everything but letters and digits stripped. Queue membership,
// challenge keys and liveness lookups are all keyed by this form.
func ToID(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
