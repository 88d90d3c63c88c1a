package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/sha3"

	"github.com/pithecene-io/mrci/types"
)

// RootUser is the account reset-root creates or repairs.
const RootUser = "root"

// ErrBadCredentials is returned by Authenticate for an unknown user, a wrong
// password or a locked account. The cases are not distinguished.
var ErrBadCredentials = errors.New("invalid user name or password")

// User is one row of the users table.
type User struct {
	ID          types.UserID
	Name        string
	DisplayName string
	GroupName   string
	HostRank    uint32
	Locked      bool
}

const userColumns = `user_id, user_name, display_name, group_name, host_rank, locked`

func scanUser(row interface{ Scan(...any) error }) (User, string, error) {
	var (
		u    User
		id   []byte
		hash string
	)
	err := row.Scan(&id, &u.Name, &u.DisplayName, &u.GroupName, &u.HostRank, &u.Locked, &hash)
	if err != nil {
		return User{}, "", err
	}
	copy(u.ID[:], id)
	return u, hash, nil
}

// newUserID derives a fresh 32-byte user id.
func newUserID(name string) types.UserID {
	serial := uuid.New()
	return sha3.Sum256(append(serial[:], strings.ToLower(name)...))
}

// UserByID looks a user up by id.
func (s *Store) UserByID(ctx context.Context, id types.UserID) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+`, hash FROM users WHERE user_id = ?`, id[:])
	u, _, err := scanUser(row)
	if err != nil {
		return User{}, notFound("user by id", err)
	}
	return u, nil
}

// UserByName looks a user up by name, case-insensitively.
func (s *Store) UserByName(ctx context.Context, name string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+`, hash FROM users WHERE user_name = ?`, name)
	u, _, err := scanUser(row)
	if err != nil {
		return User{}, notFound("user by name", err)
	}
	return u, nil
}

// CreateUser inserts a new account with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, name, password string, rank uint32) (User, error) {
	if name == "" || len(name) > types.UserNameSize {
		return User{}, fmt.Errorf("create user: invalid name %q", name)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("create user: hash: %w", err)
	}
	u := User{ID: newUserID(name), Name: name, DisplayName: name, HostRank: rank}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, user_name, display_name, host_rank, hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID[:], u.Name, u.DisplayName, u.HostRank, string(hash), s.now().Unix())
	if err != nil {
		return User{}, fmt.Errorf("create user %s: %w", name, err)
	}
	return u, nil
}

// Authenticate checks a name/password pair and returns the account.
func (s *Store) Authenticate(ctx context.Context, name, password string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+`, hash FROM users WHERE user_name = ?`, name)
	u, hash, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrBadCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("authenticate: %w", err)
	}
	if u.Locked || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// SetPassword replaces a user's password hash.
func (s *Store) SetPassword(ctx context.Context, id types.UserID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("set password: hash: %w", err)
	}
	return s.updateUser(ctx, "set password", `UPDATE users SET hash = ? WHERE user_id = ?`, string(hash), id[:])
}

// SetRank changes a user's host rank.
func (s *Store) SetRank(ctx context.Context, id types.UserID, rank uint32) error {
	return s.updateUser(ctx, "set rank", `UPDATE users SET host_rank = ? WHERE user_id = ?`, rank, id[:])
}

// SetDisplayName changes a user's display name.
func (s *Store) SetDisplayName(ctx context.Context, id types.UserID, name string) error {
	return s.updateUser(ctx, "set display name", `UPDATE users SET display_name = ? WHERE user_id = ?`, name, id[:])
}

// SetLocked locks or unlocks an account.
func (s *Store) SetLocked(ctx context.Context, id types.UserID, locked bool) error {
	return s.updateUser(ctx, "set locked", `UPDATE users SET locked = ? WHERE user_id = ?`, boolInt(locked), id[:])
}

// DeleteUser removes an account and its channel memberships.
func (s *Store) DeleteUser(ctx context.Context, id types.UserID) error {
	return s.updateUser(ctx, "delete user", `DELETE FROM users WHERE user_id = ?`, id[:])
}

func (s *Store) updateUser(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// ResetRoot makes sure the root account exists with rank 1, is unlocked and
// has the given password.
func (s *Store) ResetRoot(ctx context.Context, password string) (User, error) {
	u, err := s.UserByName(ctx, RootUser)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.CreateUser(ctx, RootUser, password, 1)
	case err != nil:
		return User{}, err
	}
	if err := s.SetPassword(ctx, u.ID, password); err != nil {
		return User{}, err
	}
	if err := s.SetRank(ctx, u.ID, 1); err != nil {
		return User{}, err
	}
	if err := s.SetLocked(ctx, u.ID, false); err != nil {
		return User{}, err
	}
	u.HostRank, u.Locked = 1, false
	return u, nil
}
