// pkg/registry/postgres.go
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/secrets"
)

// pgStore implements Store backed by PostgreSQL. Cached provider tokens are
// sealed with box before they touch a row; a nil box stores them plain.
type pgStore struct {
	dbPool *pgxpool.Pool
	box    *secrets.Box
	log    *zap.SugaredLogger
}

func NewPostgresStore(dbPool *pgxpool.Pool, box *secrets.Box, log *zap.SugaredLogger) Store {
	return &pgStore{dbPool: dbPool, box: box, log: log}
}

// EnsureSchema creates the registrations table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS registrations (
  id uuid PRIMARY KEY,
  variant text NOT NULL,
  tenant_id text NOT NULL,
  origin_url text NOT NULL,
  server_secret text NOT NULL,
  setup_completed boolean NOT NULL DEFAULT false,
  admin_consented boolean NOT NULL DEFAULT false,
  pending_consent_token text,
  access_token_sealed bytea,
  refresh_token_sealed bytea,
  access_token_expires_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  UNIQUE (variant, origin_url)
);
CREATE INDEX IF NOT EXISTS registrations_tenant_idx ON registrations(variant, tenant_id);
`)
	return err
}

const regColumns = `id, variant, tenant_id, origin_url, server_secret, setup_completed,
 admin_consented, COALESCE(pending_consent_token,''), access_token_sealed,
 refresh_token_sealed, COALESCE(access_token_expires_at, 'epoch'::timestamptz),
 created_at, updated_at`

func (p *pgStore) scanRow(row pgx.Row) (Registration, error) {
	var reg Registration
	var access, refresh []byte
	err := row.Scan(&reg.ID, &reg.Variant, &reg.TenantID, &reg.OriginURL, &reg.ServerSecret,
		&reg.SetupCompleted, &reg.AdminConsented, &reg.PendingConsentToken,
		&access, &refresh, &reg.AccessTokenExpiresAt, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Registration{}, problems.ErrTenantNotFound
		}
		return Registration{}, fmt.Errorf("scan registration: %w", err)
	}
	if reg.AccessToken, err = p.open(access); err != nil {
		return Registration{}, fmt.Errorf("unseal access token: %w", err)
	}
	if reg.RefreshToken, err = p.open(refresh); err != nil {
		return Registration{}, fmt.Errorf("unseal refresh token: %w", err)
	}
	return reg, nil
}

func (p *pgStore) open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	b, err := p.box.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *pgStore) seal(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	return p.box.Seal([]byte(token))
}

func (p *pgStore) Create(ctx context.Context, reg *Registration) error {
	now := time.Now().UTC()
	reg.CreatedAt, reg.UpdatedAt = now, now
	_, err := p.dbPool.Exec(ctx, `
INSERT INTO registrations (id, variant, tenant_id, origin_url, server_secret, setup_completed, admin_consented, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		reg.ID, reg.Variant, reg.TenantID, reg.OriginURL, reg.ServerSecret,
		reg.SetupCompleted, reg.AdminConsented, reg.CreatedAt, reg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

func (p *pgStore) Get(ctx context.Context, id string) (Registration, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT `+regColumns+` FROM registrations WHERE id=$1`, id)
	return p.scanRow(row)
}

func (p *pgStore) FindByOrigin(ctx context.Context, variant Variant, originURL string) (Registration, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT `+regColumns+` FROM registrations WHERE variant=$1 AND origin_url=$2`, variant, originURL)
	return p.scanRow(row)
}

func (p *pgStore) FindByTenant(ctx context.Context, variant Variant, tenantID string) ([]Registration, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT `+regColumns+` FROM registrations WHERE variant=$1 AND tenant_id=$2`, variant, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query registrations by tenant: %w", err)
	}
	defer rows.Close()
	var out []Registration
	for rows.Next() {
		reg, err := p.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (p *pgStore) SetPendingConsent(ctx context.Context, id, token string) error {
	tag, err := p.dbPool.Exec(ctx,
		`UPDATE registrations SET pending_consent_token=$1, updated_at=NOW() WHERE id=$2`, token, id)
	if err != nil {
		return fmt.Errorf("set pending consent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return problems.ErrTenantNotFound
	}
	return nil
}

// ConsumeConsentToken is a compare-and-swap: the WHERE clause matches the
// outstanding token, so two racing callbacks cannot both succeed.
func (p *pgStore) ConsumeConsentToken(ctx context.Context, variant Variant, tenantID, token string) (Registration, error) {
	if token == "" {
		return Registration{}, problems.ErrTenantNotFound
	}
	row := p.dbPool.QueryRow(ctx, `
UPDATE registrations SET admin_consented=true, pending_consent_token=NULL, updated_at=NOW()
WHERE variant=$1 AND tenant_id=$2 AND pending_consent_token=$3
RETURNING `+regColumns, variant, tenantID, token)
	return p.scanRow(row)
}

func (p *pgStore) UpdateTokens(ctx context.Context, id string, upd TokenUpdate) error {
	access, err := p.seal(upd.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := p.seal(upd.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	tag, err := p.dbPool.Exec(ctx, `
UPDATE registrations SET access_token_sealed=$1, refresh_token_sealed=COALESCE($2, refresh_token_sealed),
 access_token_expires_at=to_timestamp($3), updated_at=NOW() WHERE id=$4`,
		access, refresh, upd.AccessTokenExpiresAt, id)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return problems.ErrTenantNotFound
	}
	return nil
}

func (p *pgStore) MarkSetupCompleted(ctx context.Context, id string) error {
	tag, err := p.dbPool.Exec(ctx,
		`UPDATE registrations SET setup_completed=true, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("mark setup completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return problems.ErrTenantNotFound
	}
	return nil
}

func (p *pgStore) Delete(ctx context.Context, id string) error {
	tag, err := p.dbPool.Exec(ctx, `DELETE FROM registrations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return problems.ErrTenantNotFound
	}
	return nil
}
