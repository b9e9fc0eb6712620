package patients

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medrec/emr/internal/platform/tenancy"
)

// patientRepoPG stores patients in the tenant database of the current
// request. Every call resolves its pool through the router, so the same
// repository value serves all tenants concurrently.
type patientRepoPG struct {
	router *tenancy.Router
}

func NewPatientRepo(router *tenancy.Router) PatientRepository {
	return &patientRepoPG{router: router}
}

func (r *patientRepoPG) readPool(ctx context.Context) (*pgxpool.Pool, error) {
	return r.router.PoolForRead(ctx, tenancy.TenantOwned)
}

func (r *patientRepoPG) writePool(ctx context.Context) (*pgxpool.Pool, error) {
	return r.router.PoolForWrite(ctx, tenancy.TenantOwned)
}

const patientColumns = `id, first_name, last_name, national_id, birth_date,
	gender, phone, email, address, notes, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.FirstName, &p.LastName, &p.NationalID, &p.BirthDate,
		&p.Gender, &p.Phone, &p.Email, &p.Address, &p.Notes,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	p.ID = uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO patient (id, first_name, last_name, national_id, birth_date,
			gender, phone, email, address, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.FirstName, p.LastName, p.NationalID, p.BirthDate,
		p.Gender, p.Phone, p.Email, p.Address, p.Notes,
	)
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	pool, err := r.readPool(ctx)
	if err != nil {
		return nil, err
	}
	p, err := scanPatient(pool.QueryRow(ctx,
		`SELECT `+patientColumns+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %s not found", id)
	}
	return p, err
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `
		UPDATE patient SET
			first_name = $2, last_name = $3, national_id = $4, birth_date = $5,
			gender = $6, phone = $7, email = $8, address = $9, notes = $10,
			updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.NationalID, p.BirthDate,
		p.Gender, p.Phone, p.Email, p.Address, p.Notes,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s not found", p.ID)
	}
	return nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s not found", id)
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	pool, err := r.readPool(ctx)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patient
		ORDER BY last_name, first_name
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return collectPatients(rows, total)
}

func (r *patientRepoPG) SearchByName(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	pool, err := r.readPool(ctx)
	if err != nil {
		return nil, 0, err
	}

	pattern := "%" + q + "%"
	var total int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM patient
		WHERE first_name ILIKE $1 OR last_name ILIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patient
		WHERE first_name ILIKE $1 OR last_name ILIKE $1
		ORDER BY last_name, first_name
		LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return collectPatients(rows, total)
}

func collectPatients(rows pgx.Rows, total int) ([]*Patient, int, error) {
	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
