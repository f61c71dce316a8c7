// Package profiles stores portal profiles keyed by credential provider user id.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
)

// ErrDuplicate is returned when a profile with the same id or email exists.
var ErrDuplicate = errors.New("profiles: duplicate profile")

const uniqueViolation = "23505"

// DB is the subset of pgxpool.Pool and pgx.Tx the repository needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository implements session.ProfileStore using PostgreSQL.
type Repository struct {
	db  DB
	now func() time.Time
}

var _ session.ProfileStore = (*Repository)(nil)

// NewRepository constructs a PostgreSQL repository.
func NewRepository(db DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

const findProfileSQL = `SELECT id, email, full_name, role, status, employee_id, student_id, created_at, updated_at
FROM profiles WHERE id = $1`

// FindProfile fetches a profile by provider user id. Roles and statuses the
// portal does not know are returned empty.
func (r *Repository) FindProfile(ctx context.Context, id string) (session.Profile, error) {
	var (
		rec        session.Profile
		fullName   pgtype.Text
		role       pgtype.Text
		status     pgtype.Text
		employeeID pgtype.Text
		studentID  pgtype.Text
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	err := r.db.QueryRow(ctx, findProfileSQL, id).Scan(
		&rec.ID, &rec.Email, &fullName, &role, &status, &employeeID, &studentID, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Profile{}, session.ErrProfileNotFound
		}
		return session.Profile{}, fmt.Errorf("profiles: find: %w", err)
	}
	rec.FullName = fullName.String
	if parsed, ok := rbac.ParseRole(role.String); ok {
		rec.Role = parsed
	}
	if parsed, ok := rbac.ParseStatus(status.String); ok {
		rec.Status = parsed
	}
	rec.EmployeeID = employeeID.String
	rec.StudentID = studentID.String
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time
	return rec, nil
}

const insertProfileSQL = `INSERT INTO profiles (id, email, full_name, role, status, employee_id, student_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

// InsertProfile creates a profile. An empty status is stored as active.
func (r *Repository) InsertProfile(ctx context.Context, p session.Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("profiles: insert: id required")
	}
	status := p.Status
	if status == "" {
		status = rbac.StatusActive
	}
	now := r.now().UTC()
	_, err := r.db.Exec(ctx, insertProfileSQL,
		p.ID,
		strings.ToLower(strings.TrimSpace(p.Email)),
		optionalText(p.FullName),
		optionalText(string(p.Role)),
		string(status),
		optionalText(p.EmployeeID),
		optionalText(p.StudentID),
		pgtype.Timestamptz{Time: now, Valid: true},
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
		return fmt.Errorf("profiles: insert: %w", err)
	}
	return nil
}

const updateRoleSQL = `UPDATE profiles SET role = $2, updated_at = $3 WHERE id = $1`

// UpdateRole assigns role to the profile.
func (r *Repository) UpdateRole(ctx context.Context, id string, role rbac.Role) error {
	if !role.Valid() {
		return fmt.Errorf("profiles: update role: unknown role %q", role)
	}
	tag, err := r.db.Exec(ctx, updateRoleSQL, id, string(role), pgtype.Timestamptz{Time: r.now().UTC(), Valid: true})
	if err != nil {
		return fmt.Errorf("profiles: update role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrProfileNotFound
	}
	return nil
}

func optionalText(v string) pgtype.Text {
	v = strings.TrimSpace(v)
	return pgtype.Text{String: v, Valid: v != ""}
}
