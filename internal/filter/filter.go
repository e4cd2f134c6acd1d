package filter

import "strings"

// Keywords is a case-insensitive substring matcher over a fixed term set
type Keywords struct {
	terms []string
}

// NewKeywords builds a matcher. Blank terms are ignored; an empty set
// matches nothing.
func NewKeywords(terms []string) *Keywords {
	k := &Keywords{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			k.terms = append(k.terms, t)
		}
	}
	return k
}

// Contains reports whether body mentions any configured term
func (k *Keywords) Contains(body string) bool {
	if len(k.terms) == 0 || body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, t := range k.terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// Terms returns the normalised terms
func (k *Keywords) Terms() []string {
	return append([]string(nil), k.terms...)
}
