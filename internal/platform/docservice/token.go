// Package docservice integrates with the external document server
// (OnlyOffice-compatible). Editor sessions and callbacks are authenticated
// with HS256 tokens signed with the tenant's secret from the directory
// database, so every tenant talks to the document server under its own
// key.
package docservice

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medrec/emr/internal/platform/tenancy"
)

// EditorSession is the payload handed to the browser-side editor.
type EditorSession struct {
	DocumentKey string `json:"document_key"`
	DocumentURL string `json:"document_url"`
	CallbackURL string `json:"callback_url"`
	ServerURL   string `json:"server_url"`
	Token       string `json:"token"`
	ExpiresAt   int64  `json:"expires_at"`
}

// NewEditorSession signs an editor session for one document using the
// tenant's document service config.
func NewEditorSession(cfg *tenancy.DocServiceConfig, documentKey, documentURL string) (*EditorSession, error) {
	if cfg == nil || cfg.JWTSecret == "" {
		return nil, fmt.Errorf("document service is not configured for this tenant")
	}

	expire := time.Duration(cfg.JWTExpireMin) * time.Minute
	if expire <= 0 {
		expire = 5 * time.Minute
	}
	exp := time.Now().Add(expire)

	claims := jwt.MapClaims{
		"document": map[string]string{
			"key": documentKey,
			"url": documentURL,
		},
		"callbackUrl": cfg.CallbackURL,
		"exp":         exp.Unix(),
		"iat":         time.Now().Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("sign editor token: %w", err)
	}

	return &EditorSession{
		DocumentKey: documentKey,
		DocumentURL: documentURL,
		CallbackURL: cfg.CallbackURL,
		ServerURL:   cfg.ServerURL,
		Token:       token,
		ExpiresAt:   exp.Unix(),
	}, nil
}

// VerifyCallback validates a document server callback token and returns
// its claims.
func VerifyCallback(cfg *tenancy.DocServiceConfig, tokenString string) (jwt.MapClaims, error) {
	if cfg == nil || cfg.JWTSecret == "" {
		return nil, fmt.Errorf("document service is not configured for this tenant")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify callback token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid callback token")
	}
	return claims, nil
}

// IPAllowed reports whether ip may deliver callbacks for this tenant. An
// empty allow-list admits any address.
func IPAllowed(cfg *tenancy.DocServiceConfig, ip string) bool {
	if cfg == nil || len(cfg.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range cfg.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}
