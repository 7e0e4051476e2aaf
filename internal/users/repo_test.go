package users_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mind-engage/mindengage-webwork/internal/db"
	"github.com/mind-engage/mindengage-webwork/internal/users"
)

func newRepo(t *testing.T) *users.Repo {
	t.Helper()
	conn, err := db.Open(context.Background(), db.DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return users.NewRepo(conn)
}

func TestUpsertAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	ins, upd, err := r.Upsert(ctx, []users.Row{
		{ID: "u1", Username: "ada", Password: "pw1"},
		{ID: "t1", Username: "grace", Role: "teacher", Password: "pw2"},
	})
	if err != nil || ins != 2 || upd != 0 {
		t.Fatalf("upsert: ins=%d upd=%d err=%v", ins, upd, err)
	}
	u, err := r.Authenticate(ctx, "ada", "pw1")
	if err != nil || u.ID != "u1" || u.Role != users.RoleStudent {
		t.Fatalf("authenticate: %+v %v", u, err)
	}
	if _, err := r.Authenticate(ctx, "ada", "nope"); !errors.Is(err, users.ErrBadCredentials) {
		t.Fatalf("expected bad credentials, got %v", err)
	}

	// update without password keeps the hash
	if _, upd, err = r.Upsert(ctx, []users.Row{{ID: "u1", Username: "ada", Role: "teacher"}}); err != nil || upd != 1 {
		t.Fatalf("update: %d %v", upd, err)
	}
	if role, _ := r.Role(ctx, "ada"); role != users.RoleTeacher {
		t.Fatalf("role = %q", role)
	}
	if _, err := r.Authenticate(ctx, "ada", "pw1"); err != nil {
		t.Fatalf("password lost on update: %v", err)
	}
	list, _ := r.List(ctx, users.RoleTeacher)
	if len(list) != 2 {
		t.Fatalf("list: %+v", list)
	}
}

func TestUpsert_RejectsNewUserWithoutPassword(t *testing.T) {
	r := newRepo(t)
	_, _, err := r.Upsert(context.Background(), []users.Row{{ID: "u9", Username: "x"}})
	if !errors.Is(err, users.ErrPasswordMissing) {
		t.Fatalf("expected missing password, got %v", err)
	}
	if _, err := r.Role(context.Background(), "u9"); !errors.Is(err, users.ErrNotFound) {
		t.Fatalf("transaction not rolled back: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	_, _, _ = r.Upsert(ctx, []users.Row{{ID: "u1", Username: "ada", Password: "old"}})
	if err := r.ChangePassword(ctx, "u1", "wrong", "new"); !errors.Is(err, users.ErrBadCredentials) {
		t.Fatalf("expected bad credentials, got %v", err)
	}
	if err := r.ChangePassword(ctx, "u1", "old", "new"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(ctx, "ada", "new"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestParseCSV(t *testing.T) {
	rows, err := users.ParseCSV(strings.NewReader("id,username,role,password\nu1,ada,Student,pw\n"))
	if err != nil || len(rows) != 1 || rows[0].Role != "student" || rows[0].Password != "pw" {
		t.Fatalf("parse: %+v %v", rows, err)
	}
	if _, err := users.ParseCSV(strings.NewReader("id,username\n")); err == nil {
		t.Fatal("expected missing column error")
	}
}

func TestSetRole_KeepsLastAdmin(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	_, _, _ = r.Upsert(ctx, []users.Row{
		{ID: "a1", Username: "root", Role: "admin", Password: "pw"},
		{ID: "u1", Username: "ada", Password: "pw"},
	})
	if err := r.SetRole(ctx, "root", users.RoleTeacher); !errors.Is(err, users.ErrLastAdmin) {
		t.Fatalf("expected last admin guard, got %v", err)
	}
	if err := r.SetRole(ctx, "ada", users.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if err := r.SetRole(ctx, "a1", users.RoleTeacher); err != nil {
		t.Fatalf("demote with another admin: %v", err)
	}
	if err := r.SetRole(ctx, "ghost", users.RoleTeacher); !errors.Is(err, users.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProvision(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	if err := r.Provision(ctx, "lms-42", "", users.RoleStudent); err != nil {
		t.Fatal(err)
	}
	if role, _ := r.Role(ctx, "lms-42"); role != users.RoleStudent {
		t.Fatalf("role = %q", role)
	}
	// no local password, so password login is impossible
	if _, err := r.Authenticate(ctx, "lms-42", ""); !errors.Is(err, users.ErrBadCredentials) {
		t.Fatalf("expected bad credentials, got %v", err)
	}
	if err := r.Provision(ctx, "lms-42", "", users.RoleTeacher); err != nil {
		t.Fatal(err)
	}
	if role, _ := r.Role(ctx, "lms-42"); role != users.RoleTeacher {
		t.Fatalf("role not refreshed: %q", role)
	}
	_ = r.SetRole(ctx, "lms-42", users.RoleAdmin)
	_ = r.Provision(ctx, "lms-42", "", users.RoleStudent)
	if role, _ := r.Role(ctx, "lms-42"); role != users.RoleAdmin {
		t.Fatalf("launch demoted an admin: %q", role)
	}
}
