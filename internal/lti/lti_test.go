package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-webwork/internal/auth/jwks"
	authmw "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
	"github.com/mind-engage/mindengage-webwork/internal/config"
	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/users"
)

type fakeAccounts map[string]string

func (f fakeAccounts) Provision(_ context.Context, id, _, role string) error {
	f[id] = role
	return nil
}

const (
	issuer   = "https://lms.example.edu"
	clientID = "ww-tool"
	target   = "https://tool.example.edu/problems/p1"
)

type fixture struct {
	tool     *Tool
	key      *rsa.PrivateKey
	accounts fakeAccounts
	store    *problem.MemoryStore
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	keys := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{jwks.FromRSA(&key.PublicKey, "lms-1")}})
	}))
	t.Cleanup(keys.Close)

	f := &fixture{key: key, accounts: fakeAccounts{}, store: problem.NewMemoryStore()}
	f.tool = &Tool{
		Cfg: config.LTIConfig{
			Issuer:      issuer,
			ClientID:    clientID,
			AuthURL:     issuer + "/auth",
			JWKSURL:     keys.URL,
			RedirectURI: "https://tool.example.edu/lti/launch",
		},
		Keys:     jwks.NewRemoteSet(keys.URL),
		States:   NewStateStore(),
		Auth:     authmw.NewAuthService("test-secret", time.Hour),
		Accounts: f.accounts,
		Courses:  f.store,
		Log:      zap.NewNop(),
	}
	mux := http.NewServeMux()
	mux.Handle("/lti/login", f.tool.OIDCLoginHandler())
	mux.Handle("/lti/launch", f.tool.LaunchHandler())
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

var noRedirect = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

// login runs the initiation step and returns the state and nonce sent to the platform.
func (f *fixture) login(t *testing.T) (state, nonce string) {
	t.Helper()
	q := url.Values{"iss": {issuer}, "login_hint": {"u-42"}, "target_link_uri": {target}}
	resp, err := noRedirect.Get(f.srv.URL + "/lti/login?" + q.Encode())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login: %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if !strings.HasPrefix(loc.String(), issuer+"/auth?") || loc.Query().Get("client_id") != clientID {
		t.Fatalf("unexpected redirect %s", loc)
	}
	return loc.Query().Get("state"), loc.Query().Get("nonce")
}

func (f *fixture) idToken(t *testing.T, nonce string, mutate func(*LaunchClaims)) string {
	t.Helper()
	now := time.Now()
	c := LaunchClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "u-42",
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Nonce:         nonce,
		MessageType:   msgResourceLink,
		Version:       ltiVersion,
		DeploymentID:  "d1",
		TargetLinkURI: target,
		Roles:         []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		Context:       &contextClaim{ID: "c1"},
		Endpoint:      &endpointClaim{LineItems: issuer + "/c1/lineitems"},
	}
	if mutate != nil {
		mutate(&c)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = "lms-1"
	raw, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (f *fixture) launch(t *testing.T, state, idToken string) *http.Response {
	t.Helper()
	resp, err := noRedirect.PostForm(f.srv.URL+"/lti/launch", url.Values{"state": {state}, "id_token": {idToken}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestLaunch_ProvisionsAndRedirects(t *testing.T) {
	f := newFixture(t)
	state, nonce := f.login(t)
	resp := f.launch(t, state, f.idToken(t, nonce, nil))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("launch: %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	frag, _ := url.ParseQuery(loc.Fragment)
	claims, err := f.tool.Auth.Parse(frag.Get("access_token"))
	if err != nil || claims.Sub != "u-42" || claims.Role != users.RoleStudent {
		t.Fatalf("local token: %+v %v", claims, err)
	}
	if f.accounts["u-42"] != users.RoleStudent {
		t.Fatalf("not provisioned: %v", f.accounts)
	}
	cs, err := f.store.GetCourseSettings(context.Background(), "c1")
	if err != nil || cs.LineItemsURL != issuer+"/c1/lineitems" {
		t.Fatalf("line items not recorded: %+v %v", cs, err)
	}

	// states are single use
	if resp := f.launch(t, state, f.idToken(t, nonce, nil)); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed state accepted: %d", resp.StatusCode)
	}
}

func TestLaunch_Rejects(t *testing.T) {
	cases := map[string]func(*LaunchClaims){
		"nonce":    func(c *LaunchClaims) { c.Nonce = "other" },
		"audience": func(c *LaunchClaims) { c.Audience = jwt.ClaimStrings{"someone-else"} },
		"issuer":   func(c *LaunchClaims) { c.Issuer = "https://evil.example" },
		"expired":  func(c *LaunchClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) },
		"message":  func(c *LaunchClaims) { c.MessageType = "LtiDeepLinkingRequest" },
		"target":   func(c *LaunchClaims) { c.TargetLinkURI = "https://evil.example/x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			state, nonce := f.login(t)
			if resp := f.launch(t, state, f.idToken(t, nonce, mutate)); resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
			if len(f.accounts) != 0 {
				t.Fatalf("provisioned on a rejected launch")
			}
		})
	}
}

func TestLogin_UnknownIssuer(t *testing.T) {
	f := newFixture(t)
	q := url.Values{"iss": {"https://evil.example"}, "login_hint": {"x"}, "target_link_uri": {target}}
	resp, err := noRedirect.Get(f.srv.URL + "/lti/login?" + q.Encode())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLocalRole(t *testing.T) {
	ns := "http://purl.imsglobal.org/vocab/lis/v2/"
	if LocalRole([]string{ns + "membership#Learner"}) != users.RoleStudent {
		t.Error("learner")
	}
	if LocalRole([]string{ns + "membership#Learner", ns + "membership#Instructor"}) != users.RoleTeacher {
		t.Error("instructor")
	}
	if LocalRole([]string{ns + "institution/person#Administrator"}) != users.RoleStudent {
		t.Error("institution admin must not become staff")
	}
}

func TestStateStore_Expires(t *testing.T) {
	s := NewStateStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	state, _ := s.Begin(target)
	s.now = func() time.Time { return now.Add(stateTTL + time.Second) }
	if _, ok := s.take(state); ok {
		t.Fatal("expired state accepted")
	}
}
