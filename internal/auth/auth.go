// Package auth signs employees in against cached PIN hashes and issues
// HS256 session tokens. Offline sessions carry a reduced privilege set:
// anything that moves money through a gateway or needs manager context
// waits for the backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Privileges.
const (
	PrivOrderTake  = "order.take"
	PrivPayCash    = "check.pay.cash"
	PrivPayCard    = "check.pay.card"
	PrivPrint      = "check.print"
	PrivVoidSent   = "check.void.sent"
	PrivRefund     = "check.refund"
	PrivRenumber   = "check.renumber"
	PrivManageSync = "sync.manage"
)

// OfflinePrivileges is everything an offline session may do. Card
// payments, sent-item voids and refunds need the backend (gateway access
// or manager approval records), so they are excluded.
var OfflinePrivileges = []string{PrivOrderTake, PrivPayCash, PrivPrint}

// OnlinePrivileges is the full set granted by a connected backend.
var OnlinePrivileges = []string{
	PrivOrderTake, PrivPayCash, PrivPayCard, PrivPrint,
	PrivVoidSent, PrivRefund, PrivRenumber, PrivManageSync,
}

// SessionTTL bounds how long a signed-in session lasts before the
// employee re-enters their PIN.
const SessionTTL = 4 * time.Hour

// ErrBadPIN is returned for a wrong or unknown PIN.
var ErrBadPIN = errors.New("auth: invalid employee or PIN")

// ErrNoCachedCredential means the employee has never signed in on this
// terminal while online, so offline sign-in is impossible.
var ErrNoCachedCredential = errors.New("auth: no cached credential for offline sign-in")

// Claims is the token payload.
type Claims struct {
	Privileges []string `json:"priv"`
	Offline    bool     `json:"offline,omitempty"`
	jwt.RegisteredClaims
}

// CredentialCache looks up a stored PIN hash; the terminal replica
// implements it.
type CredentialCache interface {
	Credential(ctx context.Context, employeeID string) (string, error)
}

// Authenticator verifies PINs and mints session tokens.
type Authenticator struct {
	secret []byte
	cache  CredentialCache
	now    func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New creates an authenticator signing with secret.
func New(secret string, cache CredentialCache, opts ...Option) *Authenticator {
	a := &Authenticator{secret: []byte(secret), cache: cache, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// HashPIN hashes a PIN for storage.
func HashPIN(pin string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash pin: %w", err)
	}
	return string(h), nil
}

// SignIn verifies the PIN against the cached hash and issues a token.
// offline selects the reduced privilege set.
func (a *Authenticator) SignIn(ctx context.Context, employeeID, pin string, offline bool) (string, *Claims, error) {
	hash, err := a.cache.Credential(ctx, employeeID)
	if err != nil {
		return "", nil, err
	}
	if hash == "" {
		if offline {
			return "", nil, ErrNoCachedCredential
		}
		return "", nil, ErrBadPIN
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) != nil {
		return "", nil, ErrBadPIN
	}

	privs := OnlinePrivileges
	if offline {
		privs = OfflinePrivileges
	}
	now := a.now().UTC()
	claims := &Claims{
		Privileges: privs,
		Offline:    offline,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   employeeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, claims, nil
}

// Verify parses and validates a session token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.now() }))
	if err != nil {
		return nil, fmt.Errorf("auth: verify token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// Allowed reports whether the session may perform the privilege.
func (c *Claims) Allowed(priv string) bool {
	for _, p := range c.Privileges {
		if p == priv {
			return true
		}
	}
	return false
}
