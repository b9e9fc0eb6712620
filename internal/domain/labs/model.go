package labs

import (
	"time"

	"github.com/google/uuid"
)

// LabTest is an ordered test for a patient. Results attach to it as they
// come back from the lab.
type LabTest struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	Code      string     `db:"code" json:"code"`
	Name      string     `db:"name" json:"name"`
	Status    string     `db:"status" json:"status"`
	OrderedAt time.Time  `db:"ordered_at" json:"ordered_at"`
	ClosedAt  *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

const (
	StatusOrdered   = "ordered"
	StatusResulted  = "resulted"
	StatusCancelled = "cancelled"
)

type LabResult struct {
	ID         uuid.UUID `db:"id" json:"id"`
	TestID     uuid.UUID `db:"test_id" json:"test_id"`
	Value      string    `db:"value" json:"value"`
	Unit       *string   `db:"unit" json:"unit,omitempty"`
	RefLow     *float64  `db:"ref_low" json:"ref_low,omitempty"`
	RefHigh    *float64  `db:"ref_high" json:"ref_high,omitempty"`
	Abnormal   bool      `db:"abnormal" json:"abnormal"`
	ReportedAt time.Time `db:"reported_at" json:"reported_at"`
}
