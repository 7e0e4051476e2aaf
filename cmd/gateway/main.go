package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	api "github.com/mind-engage/mindengage-webwork/internal/api/http"
	"github.com/mind-engage/mindengage-webwork/internal/auth/jwks"
	auth "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
	"github.com/mind-engage/mindengage-webwork/internal/config"
	"github.com/mind-engage/mindengage-webwork/internal/db"
	"github.com/mind-engage/mindengage-webwork/internal/gradebook"
	"github.com/mind-engage/mindengage-webwork/internal/gradebook/agshttp"
	"github.com/mind-engage/mindengage-webwork/internal/logging"
	"github.com/mind-engage/mindengage-webwork/internal/lti"
	"github.com/mind-engage/mindengage-webwork/internal/metrics"
	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/renderer"
	"github.com/mind-engage/mindengage-webwork/internal/submission"
	syncx "github.com/mind-engage/mindengage-webwork/internal/sync"
	"github.com/mind-engage/mindengage-webwork/internal/users"
)

func main() {
	configPath := flag.String("config", os.Getenv("WW_CONFIG"), "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log)
	defer logger.Sync()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer dbh.Close()
	store := problem.NewSQLStore(dbh, cfg.DBDriver)
	events := syncx.NewEventRepo(dbh)
	accounts := users.NewRepo(dbh)

	// --- Grade publication ---
	var pub gradebook.Publisher = gradebook.NopPublisher{}
	if cfg.AGS.Enabled() {
		ags := agshttp.New(agshttp.Config{
			TokenURL:     cfg.AGS.TokenURL,
			ClientID:     cfg.AGS.ClientID,
			ClientSecret: cfg.AGS.ClientSecret,
			Scopes:       cfg.AGS.Scopes,
			Timeout:      cfg.AGS.Timeout,
		})
		pub = gradebook.NewAGSPublisher(&gradebook.SQLStore{DB: dbh}, ags, time.Now, logger.Named("gradebook"))
	} else {
		logger.Info("ags not configured, grades stay local")
	}

	metrics.Register(prometheus.DefaultRegisterer)
	svc := submission.New(store, renderer.NewHTTPClient(), pub, events, logger.Named("submission"))

	var limiter *api.RateLimiter
	if cfg.RateLimit.PerMinute > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	}

	authSvc := auth.NewAuthService(cfg.AuthHMACSecret, cfg.TokenTTL)

	// --- LMS launch ---
	var tool *lti.Tool
	if cfg.LTI.Enabled() {
		tool = &lti.Tool{
			Cfg:      cfg.LTI,
			Keys:     jwks.NewRemoteSet(cfg.LTI.JWKSURL),
			States:   lti.NewStateStore(),
			Auth:     authSvc,
			Accounts: accounts,
			Courses:  store,
			Log:      logger.Named("lti"),
		}
	}

	handler := api.NewRouter(api.Deps{
		Auth:               authSvc,
		Accounts:           accounts,
		Roles:              accounts,
		Admin:              auth.Admin{User: cfg.AdminUser, PassHash: cfg.AdminPassHash},
		Users:              accounts,
		Store:              store,
		Submissions:        svc,
		Events:             events,
		LTI:                tool,
		Log:                logger,
		CORSOrigins:        cfg.CORSOrigins(),
		EnableLocalAuth:    cfg.EnableLocalAuth,
		AllowClaimFallback: cfg.Mode == config.ModeOffline,
		Limiter:            limiter,
		Ready: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return dbh.PingContext(ctx)
		},
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("mode", string(cfg.Mode)),
			zap.String("db", cfg.DBDriver), zap.Bool("ags", cfg.AGS.Enabled()), zap.Bool("lti", cfg.LTI.Enabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
