package labs

import (
	"context"

	"github.com/google/uuid"
)

type LabRepository interface {
	CreateTest(ctx context.Context, t *LabTest) error
	GetTest(ctx context.Context, id uuid.UUID) (*LabTest, error)
	ListTestsForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabTest, int, error)
	UpdateTestStatus(ctx context.Context, id uuid.UUID, status string) error

	AddResult(ctx context.Context, r *LabResult) error
	ListResults(ctx context.Context, testID uuid.UUID) ([]*LabResult, error)
}
