package casemgmt

import (
	"time"

	"github.com/ehr/casemerge/internal/merge"
)

func stringField(get func(*Case) **string) merge.Binder[Case] {
	return merge.StringField(
		func(c *Case) *string { return *get(c) },
		func(c *Case, v *string) { *get(c) = v },
	)
}

// bindings maps catalog attribute names onto Case accessors.
var bindings = map[string]merge.Binder[Case]{
	"status":        stringField(func(c *Case) **string { return &c.Status }),
	"local_case_id": stringField(func(c *Case) **string { return &c.LocalCaseID }),
	"state_case_id": stringField(func(c *Case) **string { return &c.StateCaseID }),
	"outcome":       stringField(func(c *Case) **string { return &c.Outcome }),
	"hospitalized":  stringField(func(c *Case) **string { return &c.Hospitalized }),
	"investigator":  stringField(func(c *Case) **string { return &c.Investigator }),
	"notes":         stringField(func(c *Case) **string { return &c.Notes }),
	"onset_date": merge.PreciseDateField(
		func(c *Case) *merge.PreciseDate {
			if c.OnsetDate == nil {
				return nil
			}
			return &merge.PreciseDate{Date: *c.OnsetDate, Estimated: c.OnsetEstimated}
		},
		func(c *Case, v *merge.PreciseDate) {
			if v == nil {
				c.OnsetDate, c.OnsetEstimated = nil, false
				return
			}
			d := v.Date
			c.OnsetDate, c.OnsetEstimated = &d, v.Estimated
		},
	),
	"report_date": merge.DateField(
		func(c *Case) *time.Time { return c.ReportDate },
		func(c *Case, v *time.Time) { c.ReportDate = v },
	),
	"tags": merge.TagsField(
		func(c *Case) []string { return c.Tags },
		func(c *Case, v []string) { c.Tags = v },
	),
}
