package documents

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/medrec/emr/internal/platform/docservice"
	"github.com/medrec/emr/internal/platform/tenancy"
)

type Service struct {
	docs   DocumentRepository
	router *tenancy.Router
}

func NewService(docs DocumentRepository, router *tenancy.Router) *Service {
	return &Service{docs: docs, router: router}
}

// CreateDocument registers a document's metadata. The row embeds a patient
// reference, so the stores both rows resolve to must match before the
// write happens.
func (s *Service) CreateDocument(ctx context.Context, d *Document) error {
	if d.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if d.FileName == "" {
		return fmt.Errorf("file_name is required")
	}
	patientAlias, err := s.router.ResolveForRead(ctx, tenancy.TenantOwned)
	if err != nil {
		return err
	}
	docAlias, err := s.router.ResolveForWrite(ctx, tenancy.TenantOwned)
	if err != nil {
		return err
	}
	if err := s.router.CheckRelation(patientAlias, docAlias); err != nil {
		return err
	}

	if d.Title == "" {
		d.Title = d.FileName
	}
	if d.ContentType == "" {
		d.ContentType = "application/octet-stream"
	}
	d.StorageKey = path.Join(d.PatientID.String(), uuid.NewString(), d.FileName)
	return s.docs.Create(ctx, d)
}

func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.docs.GetByID(ctx, id)
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	return s.docs.ListForPatient(ctx, patientID, limit, offset)
}

func (s *Service) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return s.docs.Delete(ctx, id)
}

// OpenEditorSession signs an editor session for the document using the
// config bound to the current request's tenant.
func (s *Service) OpenEditorSession(ctx context.Context, id uuid.UUID) (*docservice.EditorSession, error) {
	cfg := tenancy.DocServiceFromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("document service is not configured for this tenant")
	}
	d, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// The key must change whenever content changes or the editor serves a
	// stale cached copy, hence the updated_at component.
	key := fmt.Sprintf("%s-%d", d.ID, d.UpdatedAt.Unix())
	url := cfg.PatientDataPath + "/" + d.StorageKey
	return docservice.NewEditorSession(cfg, key, url)
}

// CompleteEditorCallback handles a save notification from the document
// server. The token and source address are checked against the tenant's
// config before the document is touched.
func (s *Service) CompleteEditorCallback(ctx context.Context, id uuid.UUID, token, remoteIP string) error {
	cfg := tenancy.DocServiceFromContext(ctx)
	if cfg == nil {
		return fmt.Errorf("document service is not configured for this tenant")
	}
	if !docservice.IPAllowed(cfg, remoteIP) {
		return fmt.Errorf("callback source %s is not allowed", remoteIP)
	}
	if _, err := docservice.VerifyCallback(cfg, token); err != nil {
		return err
	}
	return s.docs.Touch(ctx, id)
}
