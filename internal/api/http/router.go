package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	authmw "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
	"github.com/mind-engage/mindengage-webwork/internal/lti"
	"github.com/mind-engage/mindengage-webwork/internal/metrics"
	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/rbac"
)

// Deps are the collaborators the routes are built from.
type Deps struct {
	Auth        *authmw.AuthService
	Accounts    authmw.Authenticator
	Roles       authmw.RoleLookup
	Admin       authmw.Admin
	Users       UserStore
	Store       problem.Store
	Submissions Submitter
	Events      EventSearcher
	LTI         *lti.Tool // nil disables LMS launches
	Log         *zap.Logger

	CORSOrigins        []string
	EnableLocalAuth    bool
	AllowClaimFallback bool
	Limiter            *RateLimiter // nil disables the submission rate limit
	Ready              func() error
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, metrics.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if d.EnableLocalAuth {
		r.Post("/auth/login", authmw.LoginHandler(d.Auth, d.Accounts, d.Admin, d.Log.Named("auth")))
	}

	if d.LTI != nil {
		r.Get("/lti/login", d.LTI.OIDCLoginHandler())
		r.Post("/lti/login", d.LTI.OIDCLoginHandler())
		r.Post("/lti/launch", d.LTI.LaunchHandler())
	}

	// Protected API (JWT → stored role → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(authmw.JWTMiddleware(d.Auth))
		if d.Roles != nil {
			pr.Use(authmw.AttachRole(d.Roles, d.AllowClaimFallback))
		}

		// Student surface
		pr.With(rbac.Require("problem:view")).
			Get("/problems/{problemID}", GetProblemViewHandler(d.Store))
		submit := pr.With(rbac.Require("problem:submit"))
		if d.Limiter != nil {
			submit = submit.With(d.Limiter.Middleware)
		}
		submit.Post("/problems/{problemID}/handler", SubmissionHandler(d.Submissions))

		pr.With(rbac.RequireOwnerOr("student:view-all", IsStateOwner)).
			Get("/problems/{problemID}/students/{userID}", GetStudentStateHandler(d.Store))

		// Course staff
		pr.With(rbac.Require("problem:edit")).
			Get("/problems/{problemID}/settings", GetProblemSettingsHandler(d.Store))
		pr.With(rbac.Require("problem:edit")).
			Put("/problems/{problemID}", PutProblemHandler(d.Store, d.Log.Named("api")))
		pr.With(rbac.Require("student:override")).
			Post("/problems/{problemID}/students/{userID}/overrides", PostOverridesHandler(d.Store, d.Log.Named("api")))
		pr.With(rbac.Require("student:view-all")).
			Get("/problems/{problemID}/students/{userID}/events", ListStudentEventsHandler(d.Store, d.Events))

		pr.With(rbac.Require("course:settings")).
			Put("/courses/{courseID}/settings", PutCourseSettingsHandler(d.Store, d.Log.Named("api")))
		pr.With(rbac.Require("course:settings")).
			Get("/courses/{courseID}/servers", ListServerOptionsHandler(d.Store))

		// Users
		pr.With(rbac.Require("users:bulk_upsert")).
			Post("/users/bulk", BulkUpsertUsersHandler(d.Users))
		pr.With(rbac.Require("users:list")).
			Get("/users", ListUsersHandler(d.Users))
		pr.With(rbac.Require("user:change_password")).
			Post("/users/change-password", ChangePasswordHandler(d.Users))

		// Admin
		pr.With(rbac.Require("admin:users")).
			Patch("/admin/users/{userID}/role", AdminUpdateUserRoleHandler(d.Users))
		pr.With(rbac.Require("admin:audit")).
			Get("/admin/audit", HandleAdminAuditSearch(d.Events))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}
