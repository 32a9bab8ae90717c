package person

import (
	"github.com/ehr/casemerge/internal/merge"
)

func stringField(get func(*Person) **string) merge.Binder[Person] {
	return merge.StringField(
		func(p *Person) *string { return *get(p) },
		func(p *Person, v *string) { *get(p) = v },
	)
}

var bindings = map[string]merge.Binder[Person]{
	"first_name":          stringField(func(p *Person) **string { return &p.FirstName }),
	"last_name":           stringField(func(p *Person) **string { return &p.LastName }),
	"sex":                 stringField(func(p *Person) **string { return &p.Sex }),
	"home_phone":          stringField(func(p *Person) **string { return &p.HomePhone }),
	"cell_phone":          stringField(func(p *Person) **string { return &p.CellPhone }),
	"email":               stringField(func(p *Person) **string { return &p.Email }),
	"address_line":        stringField(func(p *Person) **string { return &p.AddressLine }),
	"address_city":        stringField(func(p *Person) **string { return &p.AddressCity }),
	"address_state":       stringField(func(p *Person) **string { return &p.AddressState }),
	"address_postal_code": stringField(func(p *Person) **string { return &p.AddressPostalCode }),
	"birth_date": merge.PreciseDateField(
		func(p *Person) *merge.PreciseDate {
			if p.BirthDate == nil {
				return nil
			}
			return &merge.PreciseDate{Date: *p.BirthDate, Estimated: p.BirthEstimated}
		},
		func(p *Person, v *merge.PreciseDate) {
			if v == nil {
				p.BirthDate, p.BirthEstimated = nil, false
				return
			}
			d := v.Date
			p.BirthDate, p.BirthEstimated = &d, v.Estimated
		},
	),
	"tags": merge.TagsField(
		func(p *Person) []string { return p.Tags },
		func(p *Person, v []string) { p.Tags = v },
	),
}
