package person

import (
	"time"

	"github.com/google/uuid"
)

// Person maps to the person table. Mergeable attributes are pointers; nil
// means the value is absent.
type Person struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	JurisdictionID    string     `db:"jurisdiction_id" json:"jurisdiction_id"`
	FirstName         *string    `db:"first_name" json:"first_name,omitempty"`
	LastName          *string    `db:"last_name" json:"last_name,omitempty"`
	Sex               *string    `db:"sex" json:"sex,omitempty"`
	BirthDate         *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	BirthEstimated    bool       `db:"birth_date_estimated" json:"birth_date_estimated"`
	HomePhone         *string    `db:"home_phone" json:"home_phone,omitempty"`
	CellPhone         *string    `db:"cell_phone" json:"cell_phone,omitempty"`
	Email             *string    `db:"email" json:"email,omitempty"`
	AddressLine       *string    `db:"address_line" json:"address_line,omitempty"`
	AddressCity       *string    `db:"address_city" json:"address_city,omitempty"`
	AddressState      *string    `db:"address_state" json:"address_state,omitempty"`
	AddressPostalCode *string    `db:"address_postal_code" json:"address_postal_code,omitempty"`
	Tags              []string   `json:"tags"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Person) Clone() *Person {
	out := *p
	for _, f := range []**string{
		&out.FirstName, &out.LastName, &out.Sex, &out.HomePhone, &out.CellPhone,
		&out.Email, &out.AddressLine, &out.AddressCity, &out.AddressState, &out.AddressPostalCode,
	} {
		if *f != nil {
			v := **f
			*f = &v
		}
	}
	if p.BirthDate != nil {
		d := *p.BirthDate
		out.BirthDate = &d
	}
	out.Tags = append([]string(nil), p.Tags...)
	return &out
}

// DisplayName returns "Last, First" with whichever parts are present.
func (p *Person) DisplayName() string {
	var first, last string
	if p.FirstName != nil {
		first = *p.FirstName
	}
	if p.LastName != nil {
		last = *p.LastName
	}
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return last + ", " + first
}
