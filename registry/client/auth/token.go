package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/twopence/twopence/internal/dcontext"
)

// LoginError is returned when exchanging credentials for a token fails.
type LoginError struct {
	Realm  string
	Reason string
	Err    error
}

func (e *LoginError) Error() string {
	msg := fmt.Sprintf("login to %s failed: %s", e.Realm, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// defaultExpiresIn is the token lifetime assumed when the server does not
// say, per the distribution token spec.
const defaultExpiresIn = 60

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// FetchToken answers a bearer challenge: it requests a token from the
// challenge realm for the challenged service and scope, authenticating
// with creds when given and anonymously otherwise. The returned
// credentials carry the Authorization header to send.
func FetchToken(ctx context.Context, client *http.Client, c Challenge, creds *Credentials) (*Credentials, error) {
	realm := c.Realm()
	if realm == "" {
		return nil, &LoginError{Realm: "(none)", Reason: "bearer challenge lacks a realm"}
	}
	u, err := url.Parse(realm)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &LoginError{Realm: realm, Reason: "invalid realm URL", Err: err}
	}

	q := u.Query()
	if service := c.Service(); service != "" {
		q.Set("service", service)
	}
	if scope := c.Scope(); scope != "" {
		q.Set("scope", scope)
	}
	if creds != nil && creds.User != "" {
		q.Set("account", creds.User)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &LoginError{Realm: realm, Reason: "cannot build token request", Err: err}
	}
	if creds != nil && creds.User != "" {
		req.SetBasicAuth(creds.User, creds.Password)
	}

	logger := dcontext.GetLoggerWithField(ctx, "realm", realm)
	logger.Debugf("GET %s", u.Redacted())

	resp, err := client.Do(req)
	if err != nil {
		return nil, &LoginError{Realm: realm, Reason: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &LoginError{Realm: realm, Reason: fmt.Sprintf("token server answered %s", resp.Status), Err: errors.New(string(body))}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &LoginError{Realm: realm, Reason: "cannot decode token response", Err: err}
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return nil, &LoginError{Realm: realm, Reason: "unexpected response: no token"}
	}

	result := &Credentials{
		URL:                 realm,
		AuthorizationHeader: "Bearer " + token,
		Token:               token,
		Scope:               c.Scope(),
		IssuedAt:            tr.IssuedAt,
		ExpiresIn:           tr.ExpiresIn,
	}
	if creds != nil {
		result.User, result.Password = creds.User, creds.Password
	}
	if result.ExpiresIn <= 0 {
		result.ExpiresIn = defaultExpiresIn
	}
	if result.IssuedAt == "" {
		result.IssuedAt = time.Now().UTC().Format(time.RFC3339)
	}

	checkTokenAccess(ctx, token)
	logger.Debugf("Successfully authenticated (issued %s, expires in %d seconds)", result.IssuedAt, result.ExpiresIn)
	return result, nil
}

// checkTokenAccess warns when a JWT token grants no access at all. Opaque
// tokens are not inspected.
func checkTokenAccess(ctx context.Context, token string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	if access, ok := claims["access"].([]any); ok && len(access) > 0 {
		return
	}

	fields := make(map[any]any, len(claims))
	for k, v := range claims {
		fields["claim."+k] = v
	}
	dcontext.GetLoggerWithFields(ctx, fields).Warn("The token returned by the server does not grant any access")
}
