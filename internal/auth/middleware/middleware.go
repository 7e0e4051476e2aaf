package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-webwork/internal/rbac"
	"github.com/mind-engage/mindengage-webwork/internal/users"
)

const issuer = "mindengage-webwork"

type AuthService struct {
	hmac []byte
	ttl  time.Duration
	now  func() time.Time
}

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &AuthService{hmac: []byte(secret), ttl: ttl, now: time.Now}
}

type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"` // student | teacher | admin
	jwt.RegisteredClaims
}

func (a *AuthService) IssueJWT(sub, role string) (string, error) {
	now := a.now()
	claims := &Claims{
		Sub:  sub,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.hmac, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Sub == "" {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

// Authenticator resolves login credentials to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (users.User, error)
}

// Admin is the bootstrap account from configuration. It works before any user exists.
type Admin struct {
	User     string
	PassHash string // bcrypt
}

// POST /auth/login  { "username": "...", "password": "..." }
func LoginHandler(a *AuthService, accounts Authenticator, admin Admin, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		sub, role, err := login(r.Context(), accounts, admin, req.Username, req.Password)
		if err != nil {
			if !errors.Is(err, users.ErrBadCredentials) {
				log.Error("login lookup failed", zap.Error(err))
			}
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		tok, err := a.IssueJWT(sub, role)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": tok, "role": role})
	}
}

func login(ctx context.Context, accounts Authenticator, admin Admin, username, password string) (sub, role string, err error) {
	if admin.User != "" && username == admin.User {
		if bcrypt.CompareHashAndPassword([]byte(admin.PassHash), []byte(password)) != nil {
			return "", "", users.ErrBadCredentials
		}
		return admin.User, users.RoleAdmin, nil
	}
	if accounts == nil {
		return "", "", users.ErrBadCredentials
	}
	u, err := accounts.Authenticate(ctx, username, password)
	if err != nil {
		return "", "", err
	}
	return u.ID, u.Role, nil
}

// JWTMiddleware puts the token's subject and role claim in the request context.
func JWTMiddleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			c, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			ctx := WithSubject(r.Context(), c.Sub)
			ctx = rbac.WithRole(ctx, c.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
