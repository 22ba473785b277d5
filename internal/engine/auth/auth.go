// Package auth decides which bridge principals may invoke which channels and
// issues the bearer tokens that carry those grants.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permission names. Channel grants use the invoke: prefix followed by a
// channel name, a domain wildcard (invoke:ad:*) or a full wildcard.
const (
	PermInvokeAll = "invoke:*"
	PermAuditRead = "audit.read"
	PermAdmin     = "admin"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ChannelPermission returns the permission required to invoke channel.
func ChannelPermission(channel string) string {
	return "invoke:" + channel
}

// Allows reports whether granted covers perm. admin covers everything.
func Allows(granted []string, perm string) bool {
	for _, g := range granted {
		g = strings.TrimSpace(g)
		switch {
		case g == "":
			continue
		case g == PermAdmin, g == perm:
			return true
		case strings.HasSuffix(g, ":*") && strings.HasPrefix(perm, "invoke:"):
			if strings.HasPrefix(perm, strings.TrimSuffix(g, "*")) {
				return true
			}
		}
	}
	return false
}

// Require returns a ForbiddenError unless granted covers perm.
func Require(granted []string, perm string) error {
	if Allows(granted, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// ValidPermission reports whether p is a permission this package knows how
// to evaluate.
func ValidPermission(p string) bool {
	switch p {
	case PermAdmin, PermAuditRead, PermInvokeAll:
		return true
	}
	rest, ok := strings.CutPrefix(p, "invoke:")
	if !ok || rest == "" {
		return false
	}
	dom, op, ok := strings.Cut(rest, ":")
	return ok && dom != "" && op != "" && !strings.Contains(op, ":")
}

// Claims are the JWT claims the bridge accepts.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
}

// SignToken issues an HS256 token for subject valid for ttl.
func SignToken(secret, subject string, permissions []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	for _, p := range permissions {
		if !ValidPermission(p) {
			return "", fmt.Errorf("unknown permission %q", p)
		}
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "lockbridge",
		},
		Permissions: permissions,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(token, secret string) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}
