package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Branding maps to the branding table in the directory database. One row
// per tenant domain; read-only during request handling.
type Branding struct {
	ID           int64     `db:"id" json:"id"`
	DomainName   string    `db:"domain_name" json:"domain_name"`
	DoctorNameEN string    `db:"doctor_name_en" json:"doctor_name_en,omitempty"`
	DoctorNameFA string    `db:"doctor_name_fa" json:"doctor_name_fa,omitempty"`
	ClinicNameEN string    `db:"clinic_name_en" json:"clinic_name_en,omitempty"`
	ClinicNameFA string    `db:"clinic_name_fa" json:"clinic_name_fa,omitempty"`
	SpecialtyEN  string    `db:"specialty_en" json:"specialty_en,omitempty"`
	SpecialtyFA  string    `db:"specialty_fa" json:"specialty_fa,omitempty"`
	LogoPath     string    `db:"logo_path" json:"logo_path,omitempty"`
	LanguageCode string    `db:"language_code" json:"language_code"`
	HideDesigner bool      `db:"hide_designer" json:"hide_designer"`
	Slogan1EN    string    `db:"slogan1_en" json:"slogan1_en,omitempty"`
	Slogan1FA    string    `db:"slogan1_fa" json:"slogan1_fa,omitempty"`
	Slogan2EN    string    `db:"slogan2_en" json:"slogan2_en,omitempty"`
	Slogan2FA    string    `db:"slogan2_fa" json:"slogan2_fa,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// localized returns the variant of a field pair for lang ("fa" or "en"),
// falling back to the other language when the preferred one is empty.
func localized(lang, en, fa string) string {
	if lang == "fa" {
		if fa != "" {
			return fa
		}
		return en
	}
	if en != "" {
		return en
	}
	return fa
}

// DoctorName returns the doctor display name for lang with fallback.
func (b *Branding) DoctorName(lang string) string {
	return localized(lang, b.DoctorNameEN, b.DoctorNameFA)
}

// ClinicName returns the clinic display name for lang with fallback.
func (b *Branding) ClinicName(lang string) string {
	return localized(lang, b.ClinicNameEN, b.ClinicNameFA)
}

// Specialty returns the specialty label for lang with fallback.
func (b *Branding) Specialty(lang string) string {
	return localized(lang, b.SpecialtyEN, b.SpecialtyFA)
}

// DatabaseConfig maps to the database_config table: the connection
// parameters of one tenant's physical database. Name is the tenant alias
// and is unique.
type DatabaseConfig struct {
	ID       int64             `db:"id" json:"id"`
	Name     string            `db:"name" json:"name"`
	Engine   string            `db:"db_engine" json:"db_engine"`
	DBName   string            `db:"db_name" json:"db_name"`
	User     string            `db:"db_user" json:"db_user"`
	Password string            `db:"db_password" json:"-"`
	Host     string            `db:"db_host" json:"db_host"`
	Port     int               `db:"db_port" json:"db_port"`
	Options  map[string]string `db:"db_options" json:"db_options,omitempty"`
	Timezone string            `db:"db_timezone" json:"db_timezone,omitempty"`
}

// DocServiceConfig maps to the docservice_config table: the per-tenant
// document server (OnlyOffice-style) settings.
type DocServiceConfig struct {
	ID              int64    `db:"id" json:"id"`
	JWTSecret       string   `db:"jwt_secret" json:"-"`
	ServerURL       string   `db:"server_url" json:"server_url"`
	AllowedIPs      []string `db:"allowed_ips" json:"allowed_ips,omitempty"`
	CallbackURL     string   `db:"callback_url" json:"callback_url"`
	PatientDataPath string   `db:"patient_data_path" json:"patient_data_path"`
	JWTExpireMin    int      `db:"jwt_expire" json:"jwt_expire"`
}

// TenantConnection joins a branding row to its database and document
// service configuration.
type TenantConnection struct {
	Database   DatabaseConfig
	DocService DocServiceConfig
}

// Directory is the read side of the tenant metadata store, consumed by the
// resolution middleware.
type Directory interface {
	FindBrandingByDomain(ctx context.Context, host string) (*Branding, error)
	FindConnection(ctx context.Context, branding *Branding) (*TenantConnection, error)
}

// DirectoryAdmin is the administrative surface used by provisioning and
// migration tooling.
type DirectoryAdmin interface {
	UpsertTenant(ctx context.Context, alias string, cfg DatabaseConfig) (*DatabaseConfig, error)
	RegisterDomain(ctx context.Context, domain string, databaseID int64) (*Branding, error)
	ListTenants(ctx context.Context) ([]DatabaseConfig, error)
}

// DirectoryStore reads and writes tenant metadata on the fixed directory
// pool. It is exempt from routing: every query here targets the directory
// database regardless of any active request binding.
type DirectoryStore struct {
	pool *pgxpool.Pool
}

var (
	_ Directory      = (*DirectoryStore)(nil)
	_ DirectoryAdmin = (*DirectoryStore)(nil)
)

func NewDirectoryStore(pool *pgxpool.Pool) *DirectoryStore {
	return &DirectoryStore{pool: pool}
}

const brandingColumns = `id, domain_name, doctor_name_en, doctor_name_fa,
	clinic_name_en, clinic_name_fa, specialty_en, specialty_fa,
	logo_path, language_code, hide_designer,
	slogan1_en, slogan1_fa, slogan2_en, slogan2_fa,
	created_at, updated_at`

func scanBranding(row pgx.Row) (*Branding, error) {
	var b Branding
	err := row.Scan(
		&b.ID, &b.DomainName, &b.DoctorNameEN, &b.DoctorNameFA,
		&b.ClinicNameEN, &b.ClinicNameFA, &b.SpecialtyEN, &b.SpecialtyFA,
		&b.LogoPath, &b.LanguageCode, &b.HideDesigner,
		&b.Slogan1EN, &b.Slogan1FA, &b.Slogan2EN, &b.Slogan2FA,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindBrandingByDomain looks up the branding row whose domain_name matches
// host case-insensitively. Returns ErrTenantNotFound when no row matches
// and a *DirectoryError when the directory cannot be queried.
func (s *DirectoryStore) FindBrandingByDomain(ctx context.Context, host string) (*Branding, error) {
	b, err := scanBranding(s.pool.QueryRow(ctx, `
		SELECT `+brandingColumns+`
		FROM branding
		WHERE LOWER(domain_name) = LOWER($1)`, host))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, &DirectoryError{Op: "find branding by domain", Err: err}
	}
	return b, nil
}

// FindConnection joins branding to its database and document service
// configuration via the connection table.
func (s *DirectoryStore) FindConnection(ctx context.Context, branding *Branding) (*TenantConnection, error) {
	var (
		tc       TenantConnection
		optsJSON []byte
		ipsJSON  []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT d.id, d.name, d.db_engine, d.db_name, d.db_user, d.db_password,
		       d.db_host, d.db_port, d.db_options, d.db_timezone,
		       o.id, o.jwt_secret, o.server_url, o.allowed_ips,
		       o.callback_url, o.patient_data_path, o.jwt_expire
		FROM connection c
		JOIN database_config d ON d.id = c.database_id
		JOIN docservice_config o ON o.id = c.docservice_id
		WHERE c.branding_id = $1`, branding.ID,
	).Scan(
		&tc.Database.ID, &tc.Database.Name, &tc.Database.Engine,
		&tc.Database.DBName, &tc.Database.User, &tc.Database.Password,
		&tc.Database.Host, &tc.Database.Port, &optsJSON, &tc.Database.Timezone,
		&tc.DocService.ID, &tc.DocService.JWTSecret, &tc.DocService.ServerURL,
		&ipsJSON, &tc.DocService.CallbackURL, &tc.DocService.PatientDataPath,
		&tc.DocService.JWTExpireMin,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &DirectoryError{Op: "find connection", Err: errors.New("branding has no connection record")}
	}
	if err != nil {
		return nil, &DirectoryError{Op: "find connection", Err: err}
	}
	if len(optsJSON) > 0 {
		if err := json.Unmarshal(optsJSON, &tc.Database.Options); err != nil {
			return nil, &DirectoryError{Op: "decode db_options", Err: err}
		}
	}
	if len(ipsJSON) > 0 {
		if err := json.Unmarshal(ipsJSON, &tc.DocService.AllowedIPs); err != nil {
			return nil, &DirectoryError{Op: "decode allowed_ips", Err: err}
		}
	}
	return &tc, nil
}

// UpsertTenant creates or updates the database_config row keyed by alias.
// Administrative use only (provisioning tool); never called on the request
// path.
func (s *DirectoryStore) UpsertTenant(ctx context.Context, alias string, cfg DatabaseConfig) (*DatabaseConfig, error) {
	optsJSON, err := json.Marshal(cfg.Options)
	if err != nil {
		return nil, &DirectoryError{Op: "encode db_options", Err: err}
	}
	out := cfg
	out.Name = alias
	err = s.pool.QueryRow(ctx, `
		INSERT INTO database_config
			(name, db_engine, db_name, db_user, db_password, db_host, db_port, db_options, db_timezone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			db_engine = EXCLUDED.db_engine,
			db_name = EXCLUDED.db_name,
			db_user = EXCLUDED.db_user,
			db_password = EXCLUDED.db_password,
			db_host = EXCLUDED.db_host,
			db_port = EXCLUDED.db_port,
			db_options = EXCLUDED.db_options,
			db_timezone = EXCLUDED.db_timezone
		RETURNING id`,
		alias, cfg.Engine, cfg.DBName, cfg.User, cfg.Password,
		cfg.Host, cfg.Port, optsJSON, cfg.Timezone,
	).Scan(&out.ID)
	if err != nil {
		return nil, &DirectoryError{Op: "upsert tenant", Err: err}
	}
	return &out, nil
}

// RegisterDomain creates or updates the branding row for domain and links
// it to the given database_config through the connection table. The
// docservice reference is left for the operator to attach separately; a
// placeholder docservice_config row is created when none exists.
func (s *DirectoryStore) RegisterDomain(ctx context.Context, domain string, databaseID int64) (*Branding, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &DirectoryError{Op: "register domain", Err: err}
	}
	defer tx.Rollback(ctx)

	b, err := scanBranding(tx.QueryRow(ctx, `
		INSERT INTO branding (domain_name)
		VALUES ($1)
		ON CONFLICT (domain_name) DO UPDATE SET updated_at = NOW()
		RETURNING `+brandingColumns, domain))
	if err != nil {
		return nil, &DirectoryError{Op: "register domain", Err: err}
	}

	var docServiceID int64
	err = tx.QueryRow(ctx, `SELECT docservice_id FROM connection WHERE branding_id = $1`, b.ID).Scan(&docServiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `
			INSERT INTO docservice_config
				(jwt_secret, server_url, allowed_ips, callback_url, patient_data_path, jwt_expire)
			VALUES ('', '', '[]', '', '', 5)
			RETURNING id`).Scan(&docServiceID)
	}
	if err != nil {
		return nil, &DirectoryError{Op: "register domain", Err: err}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO connection (branding_id, database_id, docservice_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (branding_id) DO UPDATE SET database_id = EXCLUDED.database_id`,
		b.ID, databaseID, docServiceID,
	); err != nil {
		return nil, &DirectoryError{Op: "register domain", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &DirectoryError{Op: "register domain", Err: err}
	}
	return b, nil
}

// ListTenants returns every database_config row, ordered by alias. Used by
// the tenant migration tooling.
func (s *DirectoryStore) ListTenants(ctx context.Context) ([]DatabaseConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, db_engine, db_name, db_user, db_password,
		       db_host, db_port, db_options, db_timezone
		FROM database_config
		ORDER BY name`)
	if err != nil {
		return nil, &DirectoryError{Op: "list tenants", Err: err}
	}
	defer rows.Close()

	var out []DatabaseConfig
	for rows.Next() {
		var (
			cfg      DatabaseConfig
			optsJSON []byte
		)
		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.Engine, &cfg.DBName, &cfg.User,
			&cfg.Password, &cfg.Host, &cfg.Port, &optsJSON, &cfg.Timezone,
		); err != nil {
			return nil, &DirectoryError{Op: "list tenants", Err: err}
		}
		if len(optsJSON) > 0 {
			if err := json.Unmarshal(optsJSON, &cfg.Options); err != nil {
				return nil, &DirectoryError{Op: "decode db_options", Err: err}
			}
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, &DirectoryError{Op: "list tenants", Err: err}
	}
	return out, nil
}
