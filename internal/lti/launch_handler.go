package lti

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/settings"
	"github.com/mind-engage/mindengage-webwork/internal/users"
)

const (
	msgResourceLink = "LtiResourceLinkRequest"
	ltiVersion      = "1.3.0"
	roleInstructor  = "#Instructor"
	roleTA          = "#TeachingAssistant"
	roleContentDev  = "#ContentDeveloper"
	roleCourseAdmin = "membership#Administrator"
)

type contextClaim struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type endpointClaim struct {
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
	Scope     []string `json:"scope,omitempty"`
}

// LaunchClaims is the subset of the id_token a resource link launch needs.
type LaunchClaims struct {
	jwt.RegisteredClaims
	Nonce         string         `json:"nonce"`
	Name          string         `json:"name,omitempty"`
	Email         string         `json:"email,omitempty"`
	MessageType   string         `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version       string         `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID  string         `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI string         `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri"`
	Roles         []string       `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	Context       *contextClaim  `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	Endpoint      *endpointClaim `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
}

// LocalRole maps LTI membership roles onto local roles. Course staff become teachers.
// No platform role grants admin.
func LocalRole(roles []string) string {
	for _, r := range roles {
		if strings.HasSuffix(r, roleInstructor) || strings.HasSuffix(r, roleTA) ||
			strings.HasSuffix(r, roleContentDev) || strings.HasSuffix(r, roleCourseAdmin) {
			return users.RoleTeacher
		}
	}
	return users.RoleStudent
}

var errLaunch = errors.New("invalid launch")

func (t *Tool) verify(r *http.Request, idToken string, p pending) (*LaunchClaims, error) {
	var c LaunchClaims
	_, err := jwt.ParseWithClaims(idToken, &c, t.Keys.Keyfunc(r.Context()),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(t.Cfg.Issuer),
		jwt.WithAudience(t.Cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Nonce == "" || c.Nonce != p.nonce:
		return nil, errors.Join(errLaunch, errors.New("nonce mismatch"))
	case c.MessageType != msgResourceLink:
		return nil, errors.Join(errLaunch, errors.New("unsupported message type "+c.MessageType))
	case c.Version != ltiVersion:
		return nil, errors.Join(errLaunch, errors.New("unsupported version "+c.Version))
	case t.Cfg.DeploymentID != "" && c.DeploymentID != t.Cfg.DeploymentID:
		return nil, errors.Join(errLaunch, errors.New("unknown deployment"))
	case c.Subject == "":
		return nil, errors.Join(errLaunch, errors.New("missing sub"))
	case c.TargetLinkURI != "" && c.TargetLinkURI != p.target:
		return nil, errors.Join(errLaunch, errors.New("target_link_uri changed"))
	}
	return &c, nil
}

// LaunchHandler receives the id_token form post, provisions the user and hands the browser
// to the target link with a local access token in the URL fragment.
func (t *Tool) LaunchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		idToken := r.PostFormValue("id_token")
		if idToken == "" {
			http.Error(w, "missing id_token", http.StatusBadRequest)
			return
		}
		p, ok := t.States.take(r.PostFormValue("state"))
		if !ok {
			http.Error(w, "unknown or expired state", http.StatusBadRequest)
			return
		}
		c, err := t.verify(r, idToken, p)
		if err != nil {
			t.Log.Warn("lti launch rejected", zap.Error(err))
			http.Error(w, "invalid id_token", http.StatusUnauthorized)
			return
		}

		ctx := r.Context()
		role := LocalRole(c.Roles)
		if err := t.Accounts.Provision(ctx, c.Subject, c.Subject, role); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if c.Context != nil && c.Context.ID != "" && c.Endpoint != nil && c.Endpoint.LineItems != "" {
			if err := t.linkCourse(r, c.Context.ID, c.Endpoint.LineItems); err != nil {
				t.Log.Error("record lineitems url", zap.String("course", c.Context.ID), zap.Error(err))
			}
		}
		tok, err := t.Auth.IssueJWT(c.Subject, role)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		t.Log.Info("lti launch", zap.String("sub", c.Subject), zap.String("role", role),
			zap.String("deployment", c.DeploymentID))

		frag := url.Values{"access_token": {tok}, "role": {role}}
		http.Redirect(w, r, p.target+"#"+frag.Encode(), http.StatusFound)
	}
}

func (t *Tool) linkCourse(r *http.Request, courseID, lineItems string) error {
	cs, err := t.Courses.GetCourseSettings(r.Context(), courseID)
	if errors.Is(err, problem.ErrNotFound) {
		cs, err = settings.CourseSettings{CourseID: courseID}, nil
	}
	if err != nil {
		return err
	}
	if cs.LineItemsURL == lineItems {
		return nil
	}
	cs.LineItemsURL = lineItems
	return t.Courses.PutCourseSettings(r.Context(), cs)
}
