package couch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
)

// AuthType selects how Login authenticates.
type AuthType string

const (
	// AuthBasic sends the credentials in an Authorization header.
	AuthBasic AuthType = "basic"
	// AuthCookie exchanges the credentials for an AuthSession cookie.
	AuthCookie AuthType = "cookie"
	// AuthJWT sends a locally signed HS256 bearer token.
	AuthJWT AuthType = "jwt"
)

type authState struct {
	kind    AuthType
	user    string
	pass    string
	session string
	token   string
}

// Login authenticates subsequent requests. For AuthCookie it returns the
// session token and for AuthJWT the signed token; AuthBasic returns "".
func (c *Client) Login(ctx context.Context, user, pass string, kind AuthType) (string, error) {
	if kind == "" {
		kind = AuthBasic
	}

	switch kind {
	case AuthBasic:
		c.setAuth(authState{kind: AuthBasic, user: user, pass: pass})
		return "", nil

	case AuthCookie:
		form := url.Values{"name": {user}, "password": {pass}}
		header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
		resp, err := c.do(ctx, http.MethodPost, "/_session", []byte(form.Encode()), header)
		if err != nil {
			return "", err
		}
		session := resp.Cookies["AuthSession"]
		if session == "" {
			return "", fmt.Errorf("login for %q returned no AuthSession cookie", user)
		}
		c.setAuth(authState{kind: AuthCookie, user: user, session: session})
		c.logger.Debug("Started cookie session", zap.String("user", user))
		return session, nil

	case AuthJWT:
		token, err := c.signToken(user)
		if err != nil {
			return "", err
		}
		c.setAuth(authState{kind: AuthJWT, user: user, token: token})
		return token, nil
	}
	return "", network.NewConfigError("unknown auth type %q", kind)
}

// Logout forgets any credentials.
func (c *Client) Logout() {
	c.setAuth(authState{})
}

// Session returns the server's view of the current session.
func (c *Client) Session(ctx context.Context) (*network.Response, error) {
	return c.do(ctx, http.MethodGet, "/_session", nil, nil)
}

func (c *Client) setAuth(a authState) {
	c.mu.Lock()
	c.auth = a
	c.mu.Unlock()
}

func (c *Client) signToken(user string) (string, error) {
	if len(c.jwtSecret) == 0 {
		return "", network.NewConfigError("JWT authentication requires a signing secret")
	}
	if user == "" {
		return "", network.NewConfigError("JWT authentication requires a user name")
	}
	ttl := c.jwtTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
