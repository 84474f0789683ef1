package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/registry/client/auth"
	"github.com/twopence/twopence/version"
)

// SessionOptions configure a Session.
type SessionOptions struct {
	// Keystore supplies credentials for token exchanges. May be nil.
	Keystore auth.Keystore

	// Timeout bounds each HTTP request. Zero means no timeout.
	Timeout time.Duration

	// UserAgent defaults to version.UserAgent().
	UserAgent string

	// InsecureSkipVerify disables TLS certificate checks.
	InsecureSkipVerify bool

	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Session is the HTTP conversation with one registry. It remembers the
// bearer token obtained by answering a challenge and attaches it to
// every later request.
type Session struct {
	client    *http.Client
	keystore  auth.Keystore
	userAgent string

	mu    sync.Mutex
	creds *auth.Credentials
}

// NewSession returns a session without credentials.
func NewSession(opts SessionOptions) *Session {
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicitly requested
		}
		transport = t
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	return &Session{
		client:    &http.Client{Transport: transport, Timeout: opts.Timeout},
		keystore:  opts.Keystore,
		userAgent: userAgent,
	}
}

// Credentials returns the credentials of the last successful login.
func (s *Session) Credentials() *auth.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Do sends the request built by newRequest. If the registry challenges
// it for a bearer token, Do logs in and sends a freshly built request
// once more. newRequest is called again for the retry so request bodies
// can be reopened.
func (s *Session) Do(ctx context.Context, newRequest func() (*http.Request, error)) (*http.Response, error) {
	req, err := newRequest()
	if err != nil {
		return nil, err
	}

	resp, challenge, err := s.doOnce(ctx, req)
	if err != nil || challenge == nil {
		return resp, err
	}

	dcontext.GetLogger(ctx).Debugf("Authentication requested: %s", challenge)
	if err := s.login(ctx, *challenge, req.URL.Host); err != nil {
		return nil, err
	}

	dcontext.GetLogger(ctx).Debug("Retrying HTTP request")
	if req, err = newRequest(); err != nil {
		return nil, err
	}
	resp, challenge, err = s.doOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	if challenge != nil {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%s %s: still unauthorized after login: %w", req.Method, req.URL.Redacted(), HandleHTTPResponseError(resp))
	}
	return resp, nil
}

// doOnce sends req. For a 401 carrying a usable bearer challenge it
// returns the (open) response together with the challenge. Other 401s are
// turned into errors right away.
func (s *Session) doOnce(ctx context.Context, req *http.Request) (*http.Response, *auth.Challenge, error) {
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", s.userAgent)

	logger := dcontext.GetLogger(ctx)
	if creds := s.Credentials(); creds != nil {
		req.Header.Set("Authorization", creds.AuthorizationHeader)
		if dcontext.IsDebugEnabled(ctx) {
			logger.Debugf("  Adding header: Authorization: %.40s..", creds.AuthorizationHeader)
		}
	}
	logger.Debugf("%s %s", req.Method, req.URL.Redacted())

	resp, err := s.client.Do(req)
	if err != nil {
		requests.WithValues(req.Method, "error").Inc(1)
		return nil, nil, err
	}
	requests.WithValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc(1)

	if dcontext.IsDebugEnabled(ctx) {
		logger.Debugf("HTTP response %s", resp.Status)
		for k, v := range resp.Header {
			logger.Debugf("  %s: %v", k, v)
		}
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil, nil
	}

	challenge, err := auth.BearerChallenge(resp)
	if err != nil {
		defer resp.Body.Close()
		return nil, nil, fmt.Errorf("%s %s: %v: %w", req.Method, req.URL.Redacted(), err, HandleHTTPResponseError(resp))
	}
	// An error means the token we presented was rejected. Only a scope
	// problem is worth another login.
	if code := challenge.ErrorCode(); code != "" && code != "insufficient_scope" {
		defer resp.Body.Close()
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), HandleHTTPResponseError(resp))
	}

	resp.Body.Close()
	return resp, &challenge, nil
}

func (s *Session) login(ctx context.Context, challenge auth.Challenge, registryHost string) error {
	var creds *auth.Credentials
	if s.keystore != nil {
		for _, host := range auth.CredentialHosts(challenge.Realm(), registryHost) {
			if creds = s.keystore.Get(host); creds != nil {
				dcontext.GetLogger(ctx).Debugf("Using credentials for %s", host)
				break
			}
		}
	}
	if creds == nil {
		dcontext.GetLogger(ctx).Debugf("No credentials for %s, requesting anonymous token", challenge.Realm())
	}

	token, err := auth.FetchToken(ctx, s.client, challenge, creds)
	if err != nil {
		logins.WithValues("failure").Inc(1)
		return err
	}
	logins.WithValues("success").Inc(1)

	s.mu.Lock()
	s.creds = token
	s.mu.Unlock()
	return nil
}
