package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medrec/emr/internal/platform/tenancy"
)

type documentRepoPG struct {
	router *tenancy.Router
}

func NewDocumentRepo(router *tenancy.Router) DocumentRepository {
	return &documentRepoPG{router: router}
}

func (r *documentRepoPG) readPool(ctx context.Context) (*pgxpool.Pool, error) {
	return r.router.PoolForRead(ctx, tenancy.TenantOwned)
}

func (r *documentRepoPG) writePool(ctx context.Context) (*pgxpool.Pool, error) {
	return r.router.PoolForWrite(ctx, tenancy.TenantOwned)
}

const documentColumns = `id, patient_id, title, file_name, content_type,
	size_bytes, storage_key, created_at, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.PatientID, &d.Title, &d.FileName, &d.ContentType,
		&d.SizeBytes, &d.StorageKey, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *documentRepoPG) Create(ctx context.Context, d *Document) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	d.ID = uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO patient_document (id, patient_id, title, file_name,
			content_type, size_bytes, storage_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.PatientID, d.Title, d.FileName, d.ContentType, d.SizeBytes, d.StorageKey,
	)
	return err
}

func (r *documentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	pool, err := r.readPool(ctx)
	if err != nil {
		return nil, err
	}
	d, err := scanDocument(pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM patient_document WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s not found", id)
	}
	return d, err
}

func (r *documentRepoPG) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	pool, err := r.readPool(ctx)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_document WHERE patient_id = $1`, patientID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM patient_document
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *documentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM patient_document WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}

// Touch bumps updated_at after an editor session saves new content.
func (r *documentRepoPG) Touch(ctx context.Context, id uuid.UUID) error {
	pool, err := r.writePool(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`UPDATE patient_document SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}
