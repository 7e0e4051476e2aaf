// Package users keeps the local accounts that may sign in: students, course staff and admins.
package users

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

const bcryptCost = 12

var (
	ErrNotFound        = errors.New("user not found")
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrPasswordMissing = errors.New("password required for new user")
	ErrLastAdmin       = errors.New("cannot demote the last admin")
)

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	passwordHash string
}

// Row is one entry of a bulk upsert. Password is plaintext and optional for existing users.
type Row struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Password string `json:"password,omitempty"`
}

func ValidRole(r string) bool {
	return r == RoleStudent || r == RoleTeacher || r == RoleAdmin
}

type Repo struct{ db *sql.DB }

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

// Authenticate checks username and password against the stored bcrypt hash.
func (r *Repo) Authenticate(ctx context.Context, username, password string) (User, error) {
	var u User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, role, password_hash FROM users WHERE username=$1`, username,
	).Scan(&u.ID, &u.Username, &u.Role, &u.passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrBadCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// Role returns the stored role of sub, looked up by id or username.
func (r *Repo) Role(ctx context.Context, sub string) (string, error) {
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id=$1 OR username=$1`, sub).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return role, err
}

func (r *Repo) List(ctx context.Context, role string) ([]User, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if role == "" {
		rows, err = r.db.QueryContext(ctx, `SELECT id, username, role FROM users ORDER BY username`)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT id, username, role FROM users WHERE role=$1 ORDER BY username`, role)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Upsert inserts or updates rows in one transaction. New users need a password.
func (r *Repo) Upsert(ctx context.Context, rows []Row) (inserted, updated int, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	now := time.Now().Unix()
	for _, row := range rows {
		if row.Role == "" {
			row.Role = RoleStudent
		}
		if !ValidRole(row.Role) {
			return inserted, updated, errors.New("invalid role: " + row.Role)
		}
		var phash string
		if row.Password != "" {
			b, e := bcrypt.GenerateFromPassword([]byte(row.Password), bcryptCost)
			if e != nil {
				return inserted, updated, e
			}
			phash = string(b)
		}

		var exists bool
		if err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=$1`, row.ID).Scan(new(int)); err == nil {
			exists = true
		} else if !errors.Is(err, sql.ErrNoRows) {
			return inserted, updated, err
		}
		switch {
		case exists && phash != "":
			_, err = tx.ExecContext(ctx, `UPDATE users SET username=$1, role=$2, password_hash=$3 WHERE id=$4`,
				row.Username, row.Role, phash, row.ID)
			updated++
		case exists:
			_, err = tx.ExecContext(ctx, `UPDATE users SET username=$1, role=$2 WHERE id=$3`,
				row.Username, row.Role, row.ID)
			updated++
		case phash == "":
			return inserted, updated, errors.Join(ErrPasswordMissing, errors.New(row.Username))
		default:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1,$2,$3,$4,$5)`,
				row.ID, row.Username, phash, row.Role, now)
			inserted++
		}
		if err != nil {
			return inserted, updated, err
		}
	}
	return inserted, updated, nil
}

// Provision records an account created by an LMS launch. It has no local password.
// The role follows the platform on every launch, except that admins are never demoted this way.
func (r *Repo) Provision(ctx context.Context, id, username, role string) error {
	if !ValidRole(role) {
		return errors.New("invalid role: " + role)
	}
	if username == "" {
		username = id
	}
	var cur string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id=$1`, id).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1,$2,'',$3,$4)`,
			id, username, role, time.Now().Unix())
		return err
	case err != nil:
		return err
	case cur == role || cur == RoleAdmin:
		return nil
	}
	_, err = r.db.ExecContext(ctx, `UPDATE users SET role=$1 WHERE id=$2`, role, id)
	return err
}

// ChangePassword replaces the hash of id after checking the old password.
func (r *Repo) ChangePassword(ctx context.Context, id, oldPassword, newPassword string) error {
	var stored string
	err := r.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id=$1`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(stored), []byte(oldPassword)) != nil {
		return ErrBadCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcryptCost)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE users SET password_hash=$1 WHERE id=$2`, string(hash), id)
	return err
}

// SetRole changes the role of the user with the given id or username.
// The last remaining admin cannot be demoted.
func (r *Repo) SetRole(ctx context.Context, target, role string) error {
	if !ValidRole(role) {
		return errors.New("invalid role: " + role)
	}
	var id, cur string
	err := r.db.QueryRowContext(ctx, `SELECT id, role FROM users WHERE id=$1 OR username=$1`, target).Scan(&id, &cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if cur == RoleAdmin && role != RoleAdmin {
		var admins int
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE role='admin'`).Scan(&admins); err != nil {
			return err
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}
	_, err = r.db.ExecContext(ctx, `UPDATE users SET role=$1 WHERE id=$2`, role, id)
	return err
}

// ParseCSV reads rows from a CSV with an id,username,role header and an optional password column.
func ParseCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	hdr, err := cr.Read()
	if err != nil {
		return nil, err
	}
	idx := map[string]int{}
	for i, h := range hdr {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, k := range []string{"id", "username", "role"} {
		if _, ok := idx[k]; !ok {
			return nil, errors.New("missing column: " + k)
		}
	}
	var rows []Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := Row{
			ID:       rec[idx["id"]],
			Username: rec[idx["username"]],
			Role:     strings.ToLower(rec[idx["role"]]),
		}
		if i, ok := idx["password"]; ok {
			row.Password = rec[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
