package labs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medrec/emr/internal/platform/tenancy"
)

type labRepoPG struct {
	router *tenancy.Router
}

func NewLabRepo(router *tenancy.Router) LabRepository {
	return &labRepoPG{router: router}
}

func (r *labRepoPG) readPool(ctx context.Context) (*pgxpool.Pool, error) {
	return r.router.PoolForRead(ctx, tenancy.TenantOwned)
}

func (r *labRepoPG) writePool(ctx context.Context) (*pgxpool.Pool, error) {
	return r.router.PoolForWrite(ctx, tenancy.TenantOwned)
}

func (r *labRepoPG) CreateTest(ctx context.Context, t *LabTest) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	t.ID = uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO lab_test (id, patient_id, code, name, status)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.PatientID, t.Code, t.Name, t.Status,
	)
	return err
}

func (r *labRepoPG) GetTest(ctx context.Context, id uuid.UUID) (*LabTest, error) {
	pool, err := r.readPool(ctx)
	if err != nil {
		return nil, err
	}
	var t LabTest
	err = pool.QueryRow(ctx, `
		SELECT id, patient_id, code, name, status, ordered_at, closed_at
		FROM lab_test WHERE id = $1`, id,
	).Scan(&t.ID, &t.PatientID, &t.Code, &t.Name, &t.Status, &t.OrderedAt, &t.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lab test %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *labRepoPG) ListTestsForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabTest, int, error) {
	pool, err := r.readPool(ctx)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lab_test WHERE patient_id = $1`, patientID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := pool.Query(ctx, `
		SELECT id, patient_id, code, name, status, ordered_at, closed_at
		FROM lab_test
		WHERE patient_id = $1
		ORDER BY ordered_at DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*LabTest
	for rows.Next() {
		var t LabTest
		if err := rows.Scan(&t.ID, &t.PatientID, &t.Code, &t.Name, &t.Status, &t.OrderedAt, &t.ClosedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &t)
	}
	return out, total, rows.Err()
}

func (r *labRepoPG) UpdateTestStatus(ctx context.Context, id uuid.UUID, status string) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	closedAt := "NULL"
	if status == StatusResulted || status == StatusCancelled {
		closedAt = "NOW()"
	}
	tag, err := pool.Exec(ctx,
		`UPDATE lab_test SET status = $2, closed_at = `+closedAt+` WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lab test %s not found", id)
	}
	return nil
}

func (r *labRepoPG) AddResult(ctx context.Context, res *LabResult) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	res.ID = uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO lab_result (id, test_id, value, unit, ref_low, ref_high, abnormal)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.TestID, res.Value, res.Unit, res.RefLow, res.RefHigh, res.Abnormal,
	)
	return err
}

func (r *labRepoPG) ListResults(ctx context.Context, testID uuid.UUID) ([]*LabResult, error) {
	pool, err := r.readPool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT id, test_id, value, unit, ref_low, ref_high, abnormal, reported_at
		FROM lab_result
		WHERE test_id = $1
		ORDER BY reported_at`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LabResult
	for rows.Next() {
		var res LabResult
		if err := rows.Scan(&res.ID, &res.TestID, &res.Value, &res.Unit,
			&res.RefLow, &res.RefHigh, &res.Abnormal, &res.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}
