package middleware

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
	"github.com/akmatori/mcp-server/internal/rpcerrors"
)

// Authenticator is the pluggable hook spec.md §4.4 and §9 describe: the core
// defines the hook and the error code but not a concrete policy. A
// transport extracts a raw credential from its slot (HTTP header, WS
// subprotocol, SSE session header) into RequestContext.Credential; Auth
// middleware below calls Authenticate with it.
type Authenticator interface {
	// Authenticate validates credential and returns the authenticated
	// subject on success.
	Authenticate(credential string) (subject string, ok bool)
}

// AuthConfig toggles the Auth middleware on or off; when disabled every
// request passes through unauthenticated, per spec.md §4.4 "If enabled".
type AuthConfig struct {
	Enabled bool
}

// NewAuth returns the Auth middleware of spec.md §4.4. On failure it returns
// -32001 "Unauthorized" rather than calling next.
func NewAuth(cfg AuthConfig, authenticator Authenticator) pipeline.Middleware {
	return func(rc *pipeline.RequestContext, req *jsonrpc.Request, next pipeline.HandlerFunc) *jsonrpc.Response {
		if !cfg.Enabled {
			return next(rc, req)
		}
		if rc.Credential == "" {
			if req.IsNotification() {
				return nil
			}
			return jsonrpc.NewError(req.ID, rpcerrors.Unauth(nil))
		}
		subject, ok := authenticator.Authenticate(rc.Credential)
		if !ok {
			if req.IsNotification() {
				return nil
			}
			return jsonrpc.NewError(req.ID, rpcerrors.Unauth(nil))
		}
		rc.Subject = subject
		rc.RateLimitKey = subject
		return next(rc, req)
	}
}

// UserClaims are the JWT claims issued and validated by JWTAuthenticator,
// grounded on internal/middleware/jwt_auth.go's UserClaims.
type UserClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTAuthenticator is the default Authenticator implementation, adapted
// from internal/middleware/jwt_auth.go: it validates a bearer token instead
// of wrapping an http.Handler directly, so it can serve any of the three
// transports' credential slots uniformly.
type JWTAuthenticator struct {
	mu             sync.RWMutex
	secret         string
	adminUsername  string
	adminPassHash  string
	expiryHours    int
}

func NewJWTAuthenticator(secret, adminUsername, adminPasswordHash string, expiryHours int) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret:        secret,
		adminUsername: adminUsername,
		adminPassHash: adminPasswordHash,
		expiryHours:   expiryHours,
	}
}

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken issues a signed JWT for username, used by an out-of-band
// login flow (not part of the JSON-RPC surface itself).
func (a *JWTAuthenticator) GenerateToken(username string) (string, error) {
	a.mu.RLock()
	secret, expiry := a.secret, a.expiryHours
	a.mu.RUnlock()

	claims := UserClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(expiry) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "mcp-server",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateCredentials checks a username/password pair in constant time for
// the username comparison, mirroring jwt_auth.go's ValidateCredentials.
func (a *JWTAuthenticator) ValidateCredentials(username, password string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.adminUsername)) != 1 {
		return false
	}
	return CheckPassword(password, a.adminPassHash)
}

// Authenticate implements Authenticator by parsing credential as a bearer
// JWT and returning its subject.
func (a *JWTAuthenticator) Authenticate(credential string) (string, bool) {
	a.mu.RLock()
	secret := a.secret
	a.mu.RUnlock()

	token, err := jwt.ParseWithClaims(credential, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok {
		return "", false
	}
	return claims.Username, true
}
