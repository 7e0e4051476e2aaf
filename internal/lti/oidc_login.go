// Package lti implements the tool side of an LTI 1.3 resource link launch.
package lti

import (
	"context"
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	authmw "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
	"github.com/mind-engage/mindengage-webwork/internal/config"
	"github.com/mind-engage/mindengage-webwork/internal/settings"
)

type KeySource interface {
	Keyfunc(ctx context.Context) jwt.Keyfunc
}

// Provisioner creates or refreshes the local account of a launching user.
type Provisioner interface {
	Provision(ctx context.Context, id, username, role string) error
}

// CourseStore is where the launch records the course grade book endpoint.
type CourseStore interface {
	GetCourseSettings(ctx context.Context, courseID string) (settings.CourseSettings, error)
	PutCourseSettings(ctx context.Context, cs settings.CourseSettings) error
}

type Tool struct {
	Cfg      config.LTIConfig
	Keys     KeySource
	States   *StateStore
	Auth     *authmw.AuthService
	Accounts Provisioner
	Courses  CourseStore
	Log      *zap.Logger
}

// OIDCLoginHandler answers the platform's third party login initiation
// by redirecting the browser to the platform authorization endpoint.
func (t *Tool) OIDCLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		iss := r.Form.Get("iss")
		loginHint := r.Form.Get("login_hint")
		target := r.Form.Get("target_link_uri")
		switch {
		case iss != t.Cfg.Issuer:
			http.Error(w, "unknown issuer", http.StatusBadRequest)
			return
		case loginHint == "" || target == "":
			http.Error(w, "login_hint and target_link_uri required", http.StatusBadRequest)
			return
		case r.Form.Get("client_id") != "" && r.Form.Get("client_id") != t.Cfg.ClientID:
			http.Error(w, "unknown client_id", http.StatusBadRequest)
			return
		}

		state, nonce := t.States.Begin(target)
		q := url.Values{}
		q.Set("scope", "openid")
		q.Set("response_type", "id_token")
		q.Set("response_mode", "form_post")
		q.Set("prompt", "none")
		q.Set("client_id", t.Cfg.ClientID)
		q.Set("redirect_uri", t.Cfg.RedirectURI)
		q.Set("login_hint", loginHint)
		if h := r.Form.Get("lti_message_hint"); h != "" {
			q.Set("lti_message_hint", h)
		}
		q.Set("state", state)
		q.Set("nonce", nonce)
		http.Redirect(w, r, t.Cfg.AuthURL+"?"+q.Encode(), http.StatusFound)
	}
}
