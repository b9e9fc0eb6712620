package labs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/medrec/emr/internal/platform/tenancy"
)

type Service struct {
	labs   LabRepository
	router *tenancy.Router
}

func NewService(labs LabRepository, router *tenancy.Router) *Service {
	return &Service{labs: labs, router: router}
}

func (s *Service) OrderTest(ctx context.Context, t *LabTest) error {
	if t.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if t.Code == "" {
		return fmt.Errorf("test code is required")
	}
	t.Status = StatusOrdered
	return s.labs.CreateTest(ctx, t)
}

func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*LabTest, error) {
	return s.labs.GetTest(ctx, id)
}

func (s *Service) ListTestsForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabTest, int, error) {
	return s.labs.ListTestsForPatient(ctx, patientID, limit, offset)
}

func (s *Service) CancelTest(ctx context.Context, id uuid.UUID) error {
	t, err := s.labs.GetTest(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusOrdered {
		return fmt.Errorf("cannot cancel a %s test", t.Status)
	}
	return s.labs.UpdateTestStatus(ctx, id, StatusCancelled)
}

// AddResult attaches a result row to an ordered test. The result embeds a
// reference to the test, so the stores the two rows resolve to must match
// before anything is written.
func (s *Service) AddResult(ctx context.Context, res *LabResult) error {
	testAlias, err := s.router.ResolveForRead(ctx, tenancy.TenantOwned)
	if err != nil {
		return err
	}
	resultAlias, err := s.router.ResolveForWrite(ctx, tenancy.TenantOwned)
	if err != nil {
		return err
	}
	if err := s.router.CheckRelation(testAlias, resultAlias); err != nil {
		return err
	}

	t, err := s.labs.GetTest(ctx, res.TestID)
	if err != nil {
		return err
	}
	if t.Status == StatusCancelled {
		return fmt.Errorf("cannot add a result to a cancelled test")
	}

	res.Abnormal = isAbnormal(res)
	if err := s.labs.AddResult(ctx, res); err != nil {
		return err
	}
	if t.Status == StatusOrdered {
		return s.labs.UpdateTestStatus(ctx, t.ID, StatusResulted)
	}
	return nil
}

func (s *Service) ListResults(ctx context.Context, testID uuid.UUID) ([]*LabResult, error) {
	return s.labs.ListResults(ctx, testID)
}

// isAbnormal flags numeric values outside the reference range. Values that
// do not parse as numbers keep whatever flag the caller set.
func isAbnormal(res *LabResult) bool {
	if res.RefLow == nil && res.RefHigh == nil {
		return res.Abnormal
	}
	var v float64
	if _, err := fmt.Sscanf(res.Value, "%g", &v); err != nil {
		return res.Abnormal
	}
	if res.RefLow != nil && v < *res.RefLow {
		return true
	}
	if res.RefHigh != nil && v > *res.RefHigh {
		return true
	}
	return false
}
