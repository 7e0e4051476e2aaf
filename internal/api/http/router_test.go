package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	api "github.com/mind-engage/mindengage-webwork/internal/api/http"
	authmw "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
	"github.com/mind-engage/mindengage-webwork/internal/db"
	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/renderer"
	"github.com/mind-engage/mindengage-webwork/internal/settings"
	"github.com/mind-engage/mindengage-webwork/internal/submission"
	syncx "github.com/mind-engage/mindengage-webwork/internal/sync"
	"github.com/mind-engage/mindengage-webwork/internal/users"
)

type stubRenderer struct{ calls int }

func (s *stubRenderer) Render(context.Context, renderer.Request) ([]byte, error) {
	s.calls++
	return []byte(`{"renderedHTML":"<p>ok</p>","problem_result":{"score":1},"form_data":{},"flags":{}}`), nil
}

type env struct {
	srv    *httptest.Server
	auth   *authmw.AuthService
	store  *problem.MemoryStore
	render *stubRenderer
}

func newEnv(t *testing.T, limiter *api.RateLimiter) *env {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	repo := users.NewRepo(conn)
	if _, _, err := repo.Upsert(ctx, []users.Row{
		{ID: "s1", Username: "ada", Role: users.RoleStudent, Password: "pw"},
		{ID: "t1", Username: "grace", Role: users.RoleTeacher, Password: "pw"},
	}); err != nil {
		t.Fatal(err)
	}

	store := problem.NewMemoryStore()
	events := &syncx.MemoryLog{}
	rend := &stubRenderer{}
	svc := submission.New(store, rend, nil, events, nil)
	a := authmw.NewAuthService("test-secret", time.Hour)

	h := api.NewRouter(api.Deps{
		Auth:            a,
		Accounts:        repo,
		Roles:           repo,
		Users:           repo,
		Store:           store,
		Submissions:     svc,
		Events:          events,
		EnableLocalAuth: true,
		Limiter:         limiter,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{srv: srv, auth: a, store: store, render: rend}
}

func (e *env) token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := e.auth.IssueJWT(sub, role)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path, tok, contentType, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) setup(t *testing.T) {
	t.Helper()
	teacher := e.token(t, "t1", "teacher")
	cs := `{"default_server":"ww1","server_settings":{"ww1":{"server_type":"standalone","server_api_url":"https://renderer.example.edu"}}}`
	if resp := e.do(t, http.MethodPut, "/courses/c1/settings", teacher, "application/json", cs); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("course settings: %d", resp.StatusCode)
	}
	body := `{"course_id":"c1","display_name":"Derivatives","max_allowed_score":10,"max_attempts":2,"server":{"settings_type":1}}`
	if resp := e.do(t, http.MethodPut, "/problems/p1", teacher, "application/json", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("put problem: %d", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodPost, "/auth/login", "", "application/json", `{"username":"ada","password":"pw"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d", resp.StatusCode)
	}
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["role"] != "student" || out["access_token"] == "" {
		t.Fatalf("unexpected %v", out)
	}
}

func TestSubmissionFlow(t *testing.T) {
	e := newEnv(t, nil)
	e.setup(t)
	student := e.token(t, "s1", "student")

	form := url.Values{"submit_type": {"submitAnswers"}, "AnSwEr0001": {"2x"}}.Encode()
	resp := e.do(t, http.MethodPost, "/problems/p1/handler", student, "application/x-www-form-urlencoded", form)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handler: %d", resp.StatusCode)
	}
	var out submission.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || !out.Scored || out.RenderedHTML != "<p>ok</p>" {
		t.Fatalf("unexpected %+v", out)
	}

	resp = e.do(t, http.MethodGet, "/problems/p1", student, "", "")
	var view map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&view)
	if view["student_attempts"] != float64(1) || view["best_student_score"] != float64(10) {
		t.Fatalf("unexpected view %v", view)
	}

	// students read their own state only
	if resp := e.do(t, http.MethodGet, "/problems/p1/students/s1", student, "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("own state: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/problems/p1/students/s2", student, "", ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other state: %d", resp.StatusCode)
	}
}

func TestHandler_AcceptsJSONBody(t *testing.T) {
	e := newEnv(t, nil)
	e.setup(t)
	resp := e.do(t, http.MethodPost, "/problems/p1/handler", e.token(t, "s1", "student"),
		"application/json; charset=utf-8", `{"submit_type":"submitAnswers","AnSwEr0001":"2x","AnSwEr0002":3,"AnSwEr0003":["a","b"]}`)
	var out submission.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success || !out.Scored {
		t.Fatalf("unexpected %d %+v", resp.StatusCode, out)
	}
	if e.render.calls != 1 {
		t.Fatalf("expected one backend call, got %d", e.render.calls)
	}
	st, _ := e.store.GetStudent(context.Background(), problem.Key{CourseID: "c1", ProblemID: "p1", UserID: "s1"})
	if st.Attempts != 1 {
		t.Fatalf("json submit not counted: %+v", st)
	}

	if resp := e.do(t, http.MethodPost, "/problems/p1/handler", e.token(t, "s1", "student"),
		"application/json", `{"submit_type":`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed json: %d", resp.StatusCode)
	}
}

func TestHandler_InvalidSubmitTypeIsJSON(t *testing.T) {
	e := newEnv(t, nil)
	e.setup(t)
	resp := e.do(t, http.MethodPost, "/problems/p1/handler", e.token(t, "s1", "student"),
		"application/x-www-form-urlencoded", "submit_type=bogus")
	var out submission.Response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || out.Success || !strings.Contains(out.Message, "invalid submission type") {
		t.Fatalf("unexpected %d %+v", resp.StatusCode, out)
	}
	if e.render.calls != 0 {
		t.Fatalf("backend called for invalid type")
	}
}

func TestStaffRoutesRequireRole(t *testing.T) {
	e := newEnv(t, nil)
	student := e.token(t, "s1", "student")
	if resp := e.do(t, http.MethodPut, "/problems/p1", student, "application/json", `{}`); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student edited problem: %d", resp.StatusCode)
	}
	// the stored role wins over a forged claim
	forged := e.token(t, "s1", "teacher")
	if resp := e.do(t, http.MethodPut, "/courses/c1/settings", forged, "application/json", `{}`); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("forged claim accepted: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/problems/p1", "", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous access: %d", resp.StatusCode)
	}
}

func TestPutProblem_ValidationErrors(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodPut, "/problems/p1", e.token(t, "t1", "teacher"), "application/json",
		`{"course_id":"c1","max_attempts":-1,"iframe_min_width":10}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var out struct{ Errors []string }
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Errors) != 2 {
		t.Fatalf("unexpected errors %v", out.Errors)
	}
}

func TestOverrides(t *testing.T) {
	e := newEnv(t, nil)
	e.setup(t)
	teacher := e.token(t, "t1", "teacher")
	resp := e.do(t, http.MethodPost, "/problems/p1/students/s1/overrides", teacher, "application/json",
		`{"extra_attempts":3,"due_override":"2026-05-01T10:00:00Z"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overrides: %d", resp.StatusCode)
	}
	st, err := e.store.GetStudent(context.Background(), problem.Key{CourseID: "c1", ProblemID: "p1", UserID: "s1"})
	if err != nil || st.ExtraAttempts != 3 || st.DueOverride == nil || st.DueOverride.Day() != 1 {
		t.Fatalf("override not stored: %+v %v", st, err)
	}
	resp = e.do(t, http.MethodGet, "/problems/p1", e.token(t, "s1", "student"), "", "")
	var view map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&view)
	if view["max_attempts"] != float64(5) || view["due"] != "2026-05-01T10:00:00Z" {
		t.Fatalf("view ignores override: %v", view)
	}
}

func TestServerOptions(t *testing.T) {
	e := newEnv(t, nil)
	_ = e.store.PutCourseSettings(context.Background(), settings.CourseSettings{
		CourseID:      "c2",
		DefaultServer: "b",
		Servers:       map[string]settings.ServerRecord{"a": {}, "b": {}, "c": {}},
	})
	resp := e.do(t, http.MethodGet, "/courses/c2/servers", e.token(t, "t1", "teacher"), "", "")
	var out struct{ Options []string }
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if strings.Join(out.Options, ",") != "b,a,c" {
		t.Fatalf("unexpected options %v", out.Options)
	}
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, api.NewRateLimiter(1, 2))
	e.setup(t)
	student := e.token(t, "s1", "student")
	codes := []int{}
	for i := 0; i < 3; i++ {
		resp := e.do(t, http.MethodPost, "/problems/p1/handler", student, "application/x-www-form-urlencoded", "submit_type=initialLoad")
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestCourseSettings_KeepsLaunchLineItems(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_ = e.store.PutCourseSettings(ctx, settings.CourseSettings{CourseID: "c1", LineItemsURL: "https://lms.example.edu/c1/lineitems"})
	e.setup(t)
	cs, err := e.store.GetCourseSettings(ctx, "c1")
	if err != nil || cs.LineItemsURL != "https://lms.example.edu/c1/lineitems" || cs.DefaultServer != "ww1" {
		t.Fatalf("unexpected %+v %v", cs, err)
	}

	// launches are not routed without an LMS registration
	if resp := e.do(t, http.MethodPost, "/lti/launch", "", "application/x-www-form-urlencoded", "id_token=x"); resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("lti route served: %d", resp.StatusCode)
	}
}
