package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. The directory carries only demographics
// and the sensitivity-relevant flags the access engine classifies on.
type Patient struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	MRN              string     `db:"mrn" json:"mrn"`
	FirstName        string     `db:"first_name" json:"first_name"`
	LastName         string     `db:"last_name" json:"last_name"`
	BirthDate        time.Time  `db:"birth_date" json:"birth_date"`
	VIP              bool       `db:"vip" json:"vip"`
	BehavioralHealth bool       `db:"behavioral_health" json:"behavioral_health"`
	LegalHold        bool       `db:"legal_hold" json:"legal_hold"`
	Deceased         bool       `db:"deceased" json:"deceased"`
	DeceasedDate     *time.Time `db:"deceased_date" json:"deceased_date,omitempty"`
	Note             *string    `db:"note" json:"note,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

const adultAge = 18

// IsMinor reports whether the patient is under 18 at the given instant.
func (p *Patient) IsMinor(now time.Time) bool {
	return p.BirthDate.AddDate(adultAge, 0, 0).After(now)
}
