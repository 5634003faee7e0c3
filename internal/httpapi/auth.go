package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Operator is the authenticated caller: the person at the desk handing keys
// over, or an administrator.
type Operator struct {
	ID   string
	Name string
	Role string
}

func (o Operator) IsAdmin() bool { return o.Role == RoleAdmin }

// devOperator is used for every request when no signing secret is set.
var devOperator = Operator{ID: "dev", Name: "Development", Role: RoleAdmin}

type ctxKey struct{}

func withOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, ctxKey{}, op)
}

// OperatorFromContext returns the operator attached by the auth middleware.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(ctxKey{}).(Operator)
	return op, ok
}

type operatorClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// Authenticator verifies HS256 bearer tokens issued by the identity layer.
type Authenticator struct {
	secret []byte
	leeway time.Duration
	logger *slog.Logger
}

// NewAuthenticator returns an authenticator for secret. An empty secret
// disables verification and treats every caller as a development admin.
func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		leeway: 30 * time.Second,
		logger: logger.With(slog.String("component", "auth")),
	}
}

func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), devOperator)))
			return
		}

		op, err := a.verify(r.Header.Get("Authorization"))
		if err != nil {
			a.logger.Debug("token rejected",
				slog.String("error", err.Error()),
				slog.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), op)))
	})
}

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid or expired token")
	errUnknownRole  = errors.New("token carries no recognised role")
)

func (a *Authenticator) verify(header string) (Operator, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Operator{}, errMissingToken
	}

	claims := &operatorClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	)
	if err != nil {
		return Operator{}, errInvalidToken
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return Operator{}, errInvalidToken
	}
	if claims.Role != RoleAdmin && claims.Role != RoleOperator {
		return Operator{}, errUnknownRole
	}
	return Operator{ID: sub, Name: claims.Name, Role: claims.Role}, nil
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := OperatorFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", errMissingToken.Error())
			return
		}
		if !op.IsAdmin() {
			writeError(w, r, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SignToken issues a token for op valid for ttl. The server itself only
// verifies tokens; this exists for local tooling and tests.
func SignToken(secret string, op Operator, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: op.Name,
		Role: op.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
