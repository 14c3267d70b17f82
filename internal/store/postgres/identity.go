package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halyard-ai/halyard/internal/store"
)

// identityRepo implements [store.UserStore].
type identityRepo struct {
	pool *pgxpool.Pool
}

func (r *identityRepo) UpsertUser(ctx context.Context, u store.User) (store.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO users (id, auth_provider, auth_subject, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (auth_provider, auth_subject)
		DO UPDATE SET email = EXCLUDED.email
		RETURNING id, auth_provider, auth_subject, email, created_at`

	row := r.pool.QueryRow(ctx, q, u.ID, u.AuthProvider, u.AuthSubject, u.Email)
	var out store.User
	if err := row.Scan(&out.ID, &out.AuthProvider, &out.AuthSubject, &out.Email, &out.CreatedAt); err != nil {
		return store.User{}, fmt.Errorf("identity: upsert user: %w", err)
	}
	return out, nil
}

func (r *identityRepo) UpsertOrganization(ctx context.Context, o store.Organization) (store.Organization, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO organizations (id, workos_org_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (workos_org_id)
		DO UPDATE SET name = EXCLUDED.name
		RETURNING id, workos_org_id, name, created_at`

	row := r.pool.QueryRow(ctx, q, o.ID, o.WorkOSOrgID, o.Name)
	var out store.Organization
	if err := row.Scan(&out.ID, &out.WorkOSOrgID, &out.Name, &out.CreatedAt); err != nil {
		return store.Organization{}, fmt.Errorf("identity: upsert organization: %w", err)
	}
	return out, nil
}

func (r *identityRepo) UpsertMembership(ctx context.Context, m store.OrganizationMembership) error {
	const q = `
		INSERT INTO organization_memberships (user_id, org_id, role, permissions, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, org_id)
		DO UPDATE SET role = EXCLUDED.role, permissions = EXCLUDED.permissions, updated_at = now()`

	perms := m.Permissions
	if perms == nil {
		perms = []string{}
	}
	if _, err := r.pool.Exec(ctx, q, m.UserID, m.OrgID, m.Role, perms); err != nil {
		return fmt.Errorf("identity: upsert membership: %w", err)
	}
	return nil
}
