package merge

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ehr/casemerge/internal/catalog"
)

const dateLayout = "2006-01-02"

// StringField binds an optional text attribute. Nil and "" are the same value.
func StringField[R any](get func(*R) *string, set func(*R, *string)) Field[R, *string] {
	return Field[R, *string]{
		Type: catalog.TypeString,
		Get:  get,
		Set:  set,
		Equal: func(a, b *string) bool {
			return derefString(a) == derefString(b)
		},
		Empty:  func(v *string) bool { return derefString(v) == "" },
		Format: derefString,
		Parse: func(raw string) (*string, error) {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				return nil, errors.New("empty value; choose Delete to clear")
			}
			return &raw, nil
		},
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// DateField binds an optional calendar date. Only the date part is compared.
func DateField[R any](get func(*R) *time.Time, set func(*R, *time.Time)) Field[R, *time.Time] {
	return Field[R, *time.Time]{
		Type:  catalog.TypeDate,
		Get:   get,
		Set:   set,
		Equal: sameDay,
		Empty: func(v *time.Time) bool { return v == nil },
		Format: func(v *time.Time) string {
			if v == nil {
				return ""
			}
			return v.Format(dateLayout)
		},
		Parse: func(raw string) (*time.Time, error) {
			t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
			if err != nil {
				return nil, err
			}
			return &t, nil
		},
	}
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// PreciseDate is a date paired with a flag saying it is an approximation.
// Both parts are merged as one value.
type PreciseDate struct {
	Date      time.Time `json:"date"`
	Estimated bool      `json:"estimated"`
}

// PreciseDateField binds a date-with-precision attribute. When both records
// have a value and exactly one is exact, the exact side is the default.
// Estimated values are written with a leading "~".
func PreciseDateField[R any](get func(*R) *PreciseDate, set func(*R, *PreciseDate)) Field[R, *PreciseDate] {
	return Field[R, *PreciseDate]{
		Type: catalog.TypePreciseDate,
		Get:  get,
		Set:  set,
		Equal: func(a, b *PreciseDate) bool {
			if a == nil || b == nil {
				return a == nil && b == nil
			}
			return a.Estimated == b.Estimated && sameDay(&a.Date, &b.Date)
		},
		Empty: func(v *PreciseDate) bool { return v == nil },
		Format: func(v *PreciseDate) string {
			if v == nil {
				return ""
			}
			if v.Estimated {
				return "~" + v.Date.Format(dateLayout)
			}
			return v.Date.Format(dateLayout)
		},
		Parse: func(raw string) (*PreciseDate, error) {
			raw = strings.TrimSpace(raw)
			estimated := strings.HasPrefix(raw, "~")
			t, err := time.Parse(dateLayout, strings.TrimPrefix(raw, "~"))
			if err != nil {
				return nil, err
			}
			return &PreciseDate{Date: t, Estimated: estimated}, nil
		},
		Prefer: func(a, b *PreciseDate) (Source, bool) {
			switch {
			case a.Estimated && !b.Estimated:
				return SourceB, true
			case !a.Estimated && b.Estimated:
				return SourceA, true
			}
			return 0, false
		},
	}
}

// TagsField binds a tag set. Sources A and B both yield the union of the two
// sets; only Delete and Edit replace it.
func TagsField[R any](get func(*R) []string, set func(*R, []string)) Field[R, []string] {
	return Field[R, []string]{
		Type: catalog.TypeTags,
		Get:  get,
		Set: func(r *R, v []string) {
			set(r, NormalizeTags(v))
		},
		Equal: func(a, b []string) bool {
			na, nb := NormalizeTags(a), NormalizeTags(b)
			if len(na) != len(nb) {
				return false
			}
			for i := range na {
				if na[i] != nb[i] {
					return false
				}
			}
			return true
		},
		Empty: func(v []string) bool { return len(NormalizeTags(v)) == 0 },
		Format: func(v []string) string {
			return strings.Join(NormalizeTags(v), ", ")
		},
		Parse: func(raw string) ([]string, error) {
			tags := NormalizeTags(strings.Split(raw, ","))
			if len(tags) == 0 {
				return nil, errors.New("no tags given; choose Delete to clear")
			}
			return tags, nil
		},
		Combine: func(a, b []string) []string {
			return NormalizeTags(append(append([]string{}, a...), b...))
		},
		Diff: TagDiff,
	}
}

// NormalizeTags trims, de-duplicates and sorts tags, dropping blanks.
// The result never aliases the input.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TagDiff returns "+TAG" for tags only in to and "-TAG" for tags only in
// from, additions first.
func TagDiff(from, to []string) []string {
	f, t := NormalizeTags(from), NormalizeTags(to)
	inFrom := make(map[string]bool, len(f))
	for _, tag := range f {
		inFrom[tag] = true
	}
	inTo := make(map[string]bool, len(t))
	for _, tag := range t {
		inTo[tag] = true
	}

	var diff []string
	for _, tag := range t {
		if !inFrom[tag] {
			diff = append(diff, "+"+tag)
		}
	}
	for _, tag := range f {
		if !inTo[tag] {
			diff = append(diff, "-"+tag)
		}
	}
	return diff
}
