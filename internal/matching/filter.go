package matching

import (
	"strings"

	"github.com/whisper/rendezvous/internal/protocol"
)

// Accepts reports whether profile p satisfies filter f. Empty filter fields
// place no constraint; set fields compare case-insensitively after trimming
// surrounding whitespace.
func Accepts(f protocol.Filters, p protocol.Profile) bool {
	return fieldAccepts(f.Gender, p.Gender) &&
		fieldAccepts(f.Country, p.Country) &&
		fieldAccepts(f.State, p.State) &&
		fieldAccepts(f.City, p.City)
}

// Compatible reports whether a and b may be paired: each side's filter must
// accept the other side's profile.
func Compatible(a, b Entry) bool {
	return Accepts(a.Filter, b.Profile) && Accepts(b.Filter, a.Profile)
}

// NormalizeFilters trims every field. Values keep their case; comparison
// folds it.
func NormalizeFilters(f protocol.Filters) protocol.Filters {
	return protocol.Filters{
		Gender:  strings.TrimSpace(f.Gender),
		Country: strings.TrimSpace(f.Country),
		State:   strings.TrimSpace(f.State),
		City:    strings.TrimSpace(f.City),
	}
}

func fieldAccepts(want, have string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return true
	}
	return strings.EqualFold(want, strings.TrimSpace(have))
}
