package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/tutoring-service/internal/domain"
)

// UserRepository is the credential store. Lookups of unknown rows return
// pgx.ErrNoRows.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*domain.User, error)
	GetStatus(ctx context.Context, id string) (domain.UserStatus, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateStatus(ctx context.Context, id string, status domain.UserStatus) error
}

// ErrDuplicateIdentifier is returned by Create when the identifier is taken.
var ErrDuplicateIdentifier = errors.New("identifier already registered")

const uniqueViolation = "23505"

type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `id::text, identifier, first_name, last_name, password_hash, role, status, last_login, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(
		&user.ID,
		&user.Identifier,
		&user.FirstName,
		&user.LastName,
		&user.PasswordHash,
		&user.Role,
		&user.Status,
		&user.LastLogin,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	const query = `
        INSERT INTO users (identifier, first_name, last_name, password_hash, role, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id::text, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		user.Identifier,
		user.FirstName,
		user.LastName,
		user.PasswordHash,
		user.Role,
		user.Status,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateIdentifier
	}
	return err
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if !validID(id) {
		return nil, pgx.ErrNoRows
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *userRepository) FindByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE identifier=lower($1)`
	return scanUser(r.pool.QueryRow(ctx, query, identifier))
}

func (r *userRepository) GetStatus(ctx context.Context, id string) (domain.UserStatus, error) {
	const query = `SELECT status FROM users WHERE id=$1`

	if !validID(id) {
		return "", pgx.ErrNoRows
	}

	var status domain.UserStatus
	if err := r.pool.QueryRow(ctx, query, id).Scan(&status); err != nil {
		return "", err
	}
	return status, nil
}

func (r *userRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE users SET last_login=$1 WHERE id=$2`
	return r.execOne(ctx, query, at, id)
}

func (r *userRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const query = `UPDATE users SET password_hash=$1, updated_at=NOW() WHERE id=$2`
	return r.execOne(ctx, query, passwordHash, id)
}

func (r *userRepository) UpdateStatus(ctx context.Context, id string, status domain.UserStatus) error {
	const query = `UPDATE users SET status=$1, updated_at=NOW() WHERE id=$2`
	return r.execOne(ctx, query, status, id)
}

// execOne runs an update keyed by the last argument, the row id.
func (r *userRepository) execOne(ctx context.Context, query string, args ...any) error {
	if id, ok := args[len(args)-1].(string); ok && !validID(id) {
		return pgx.ErrNoRows
	}
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// validID reports whether id can name a row. Other strings cannot match and
// would otherwise fail in Postgres with a cast error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
