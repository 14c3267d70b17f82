// Package identity verifies client access tokens against WorkOS.
//
// Tokens are validated remotely through the issuer's OIDC userinfo endpoint
// rather than by local JWT verification, so revoked sessions are rejected
// immediately. The verifier caches nothing; the connection manager calls it
// once per WebSocket authentication.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/halyard-ai/halyard/internal/ws"
)

const defaultIssuer = "https://api.workos.com/user_management"

// ErrInvalidToken is returned when the issuer rejects the access token.
var ErrInvalidToken = errors.New("identity: invalid token")

// Verifier validates access tokens issued by WorkOS AuthKit.
type Verifier struct {
	issuer   string
	audience string
	client   *http.Client
}

// Option configures a [Verifier].
type Option func(*Verifier)

// WithHTTPClient replaces the HTTP client. Used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// New creates a Verifier for the given issuer. An empty issuer falls back to
// the WorkOS user management API. clientID scopes the issuer URL the way
// AuthKit does; audience, when set, must match the aud claim reported by the
// userinfo endpoint.
func New(issuer, clientID, audience string, opts ...Option) *Verifier {
	if issuer == "" {
		issuer = defaultIssuer
		if clientID != "" {
			issuer += "/" + clientID
		}
	}
	v := &Verifier{
		issuer:   strings.TrimRight(issuer, "/"),
		audience: audience,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// userinfo is the OIDC userinfo response shape WorkOS returns.
type userinfo struct {
	Sub       string `json:"sub"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	OrgID     string `json:"org_id"`
	Aud       string `json:"aud"`
}

// Verify resolves token into an identity via the userinfo endpoint.
// Implements [ws.Authenticator].
func (v *Verifier) Verify(ctx context.Context, token string) (ws.Identity, error) {
	if token == "" {
		return ws.Identity{}, ErrInvalidToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.issuer+"/oauth2/userinfo", nil)
	if err != nil {
		return ws.Identity{}, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return ws.Identity{}, fmt.Errorf("identity: userinfo request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ws.Identity{}, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ws.Identity{}, fmt.Errorf("identity: userinfo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info userinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ws.Identity{}, fmt.Errorf("identity: decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return ws.Identity{}, ErrInvalidToken
	}
	if v.audience != "" && info.Aud != "" && info.Aud != v.audience {
		return ws.Identity{}, ErrInvalidToken
	}

	name := strings.TrimSpace(info.FirstName + " " + info.LastName)
	return ws.Identity{
		UserID: info.Sub,
		OrgID:  info.OrgID,
		Email:  info.Email,
		Name:   name,
	}, nil
}

var _ ws.Authenticator = (*Verifier)(nil)
