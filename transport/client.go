// Package transport sends authenticated requests on behalf of the session
// manager, renewing the access credential and retrying once when the backend
// refuses it.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	interr "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	// ErrAuthenticationRequired is returned when no session exists; nothing is sent.
	ErrAuthenticationRequired = interr.ErrAuthenticationRequired
	// ErrAuthenticationFailed is returned when the backend refused the
	// credential and the session could not be recovered.
	ErrAuthenticationFailed = interr.ErrAuthenticationFailed
)

const defaultRequestTimeout = 10 * time.Second

// TokenProvider supplies access credentials. *session.Manager implements it.
type TokenProvider interface {
	ValidAccessToken(ctx context.Context) (string, error)
	Renew(ctx context.Context, staleAccess string) (string, error)
}

// Client attaches the current access credential to outgoing requests.
type Client struct {
	tokens     TokenProvider
	handler    session.InvalidationHandler
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// ClientOption defines a function type to modify the Client instance.
type ClientOption func(*Client)

// WithHTTPClient sets the client used to send requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL sets the prefix used by the JSON helpers.
func WithBaseURL(baseURL string) ClientOption {
	return func(cl *Client) {
		cl.baseURL = baseURL
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient creates a Client. handler is told when the backend refuses a
// freshly renewed credential.
func NewClient(tokens TokenProvider, handler session.InvalidationHandler, options ...ClientOption) *Client {
	c := &Client{
		tokens:     tokens,
		handler:    handler,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     log.Logger.With().Str("component", "transport").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// AuthHeaders returns the headers for an authenticated JSON request, or
// ErrAuthenticationRequired when no valid credential can be obtained.
func (c *Client) AuthHeaders(ctx context.Context) (http.Header, error) {
	token, err := c.tokens.ValidAccessToken(ctx)
	if err != nil {
		return nil, c.credentialError(err)
	}
	h := http.Header{}
	bearer(token).SetAuthHeader(&http.Request{Header: h})
	h.Set("Content-Type", "application/json")
	return h, nil
}

// Do sends req with the current access credential. A 401 triggers one
// renewal and one retry; a second 401 ends the session.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.send(req, c.httpClient.Do)
}

// RoundTripper returns an http.RoundTripper applying the same rules as Do
// on top of base (http.DefaultTransport when nil).
func (c *Client) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return c.send(req, base.RoundTrip)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func (c *Client) send(req *http.Request, sendFunc func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	ctx := req.Context()
	token, err := c.tokens.ValidAccessToken(ctx)
	if err != nil {
		return nil, c.credentialError(err)
	}
	// The caller's request is never modified; the replay buffer lives on a clone.
	req, err = replayable(req)
	if err != nil {
		return nil, err
	}

	first, err := authorize(req, token)
	if err != nil {
		return nil, err
	}
	resp, err := sendFunc(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	discard(resp)

	c.logger.Debug().Str("path", req.URL.Path).Msg("Credential refused, renewing")
	renewed, err := c.tokens.Renew(ctx, token)
	if err != nil {
		if interr.Transient(err) {
			return nil, errors.Wrap(err, "[Client.Do] renew")
		}
		return nil, interr.Wrapf(ErrAuthenticationFailed, "[Client.Do] %s", err)
	}

	retry, err := authorize(req, renewed)
	if err != nil {
		return nil, err
	}
	resp, err = sendFunc(retry)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	discard(resp)

	c.logger.Warn().Str("path", req.URL.Path).Msg("Renewed credential refused, ending session")
	if c.handler != nil {
		c.handler.HandleSessionInvalid(ctx, "renewed credential refused")
	}
	return nil, ErrAuthenticationFailed
}

func (c *Client) credentialError(err error) error {
	if interr.Transient(err) {
		return errors.Wrap(err, "[Client] obtain credential")
	}
	return interr.Wrapf(ErrAuthenticationRequired, "[Client] %s", err)
}

// replayable returns a clone of req whose body can be sent twice. req itself
// is left as it was, apart from its body having been consumed.
func replayable(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return out, nil
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, "[transport] read request body")
	}
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.Body, _ = out.GetBody()
	return out, nil
}

// authorize returns a copy of req carrying token and a fresh body.
func authorize(req *http.Request, token string) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "[transport] replay request body")
		}
		out.Body = body
	}
	bearer(token).SetAuthHeader(out)
	return out, nil
}

func bearer(token string) *oauth2.Token {
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
