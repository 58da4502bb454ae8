// Package authapi is the HTTP client for the credential-issuance backend.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-client/login"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	SignInPath         = "/api/auth/sign-in"
	SecondFactorPath   = "/api/auth/complete-2fa-login"
	RefreshPath        = "/api/auth/refresh-token"
	LogoutPath         = "/api/auth/logout"
	defaultTimeout     = 10 * time.Second
	maxResponseBodyLen = 1 << 20
)

var (
	_ login.Authenticator = (*Client)(nil)
	_ session.Renewer     = (*Client)(nil)
)

// UnexpectedStatusError reports a response the client does not interpret.
// It is always treated as transient.
type UnexpectedStatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.StatusCode)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientOption defines a function type to modify the Client instance.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTimeout bounds each request made with the default HTTP client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cl *Client) {
		cl.httpClient = &http.Client{Timeout: timeout}
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func New(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     log.Logger.With().Str("component", "authapi").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type secondFactorRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// grantResponse covers the sign-in and second-factor response bodies.
type grantResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	User         *session.User   `json:"user"`
	Role         string          `json:"role"`
	Requires2FA  bool            `json:"requires2FA"`
	UserID       json.RawMessage `json:"userId"`
	Email        string          `json:"email"`
	Message      string          `json:"message"`
}

func (g grantResponse) grant() (login.Grant, error) {
	if g.Requires2FA {
		return login.Grant{SecondFactor: &login.SecondFactorPrompt{
			SubjectID: rawID(g.UserID),
			Email:     g.Email,
			Message:   g.Message,
		}}, nil
	}
	if g.AccessToken == "" || g.RefreshToken == "" {
		return login.Grant{}, errors.New("[authapi] response carries no credential pair")
	}
	return login.Grant{Session: session.Session{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		User:         g.User,
		Role:         g.Role,
	}}, nil
}

// rawID accepts the user id as either a JSON string or number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

// SignIn submits the primary factor.
func (c *Client) SignIn(ctx context.Context, creds login.Credentials) (login.Grant, error) {
	var out grantResponse
	status, msg, err := c.post(ctx, SignInPath, "", signInRequest{Email: creds.Email, Password: creds.Password}, &out)
	if err != nil {
		return login.Grant{}, err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return out.grant()
	case status == http.StatusUnauthorized || status == http.StatusBadRequest || status == http.StatusForbidden || status == http.StatusLocked:
		return login.Grant{}, &login.Rejection{Reason: reason(msg, "Invalid email or password")}
	}
	return login.Grant{}, &UnexpectedStatusError{Endpoint: SignInPath, StatusCode: status, Message: msg}
}

// CompleteSecondFactor submits the second-factor code for subjectID.
func (c *Client) CompleteSecondFactor(ctx context.Context, subjectID, code string) (login.Grant, error) {
	var out grantResponse
	status, msg, err := c.post(ctx, SecondFactorPath, "", secondFactorRequest{UserID: subjectID, Token: code}, &out)
	if err != nil {
		return login.Grant{}, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return out.grant()
	case http.StatusBadRequest, http.StatusUnauthorized:
		return login.Grant{}, &login.Rejection{Reason: reason(msg, "Invalid verification code")}
	}
	return login.Grant{}, &UnexpectedStatusError{Endpoint: SecondFactorPath, StatusCode: status, Message: msg}
}

// Renew exchanges refreshToken for a new pair. Only a 401 proves the refresh
// credential dead; every other failure is transient.
func (c *Client) Renew(ctx context.Context, refreshToken string) (session.Tokens, error) {
	var out session.Tokens
	status, msg, err := c.post(ctx, RefreshPath, "", refreshRequest{RefreshToken: refreshToken}, &out)
	if err != nil {
		return session.Tokens{}, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return out, nil
	case http.StatusUnauthorized:
		return session.Tokens{}, errors.Wrap(session.ErrRefreshRejected, reason(msg, "refresh token expired"))
	}
	return session.Tokens{}, &UnexpectedStatusError{Endpoint: RefreshPath, StatusCode: status, Message: msg}
}

// Logout tells the backend to revoke the session behind accessToken.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	status, msg, err := c.post(ctx, LogoutPath, accessToken, nil, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &UnexpectedStatusError{Endpoint: LogoutPath, StatusCode: status, Message: msg}
	}
	return nil
}

// post sends in as JSON. A 2xx body is decoded into out; any other body is
// scanned for a message. The returned error covers transport and decoding
// failures only.
func (c *Client) post(ctx context.Context, path, bearer string, in, out any) (int, string, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, "", errors.Wrapf(err, "[authapi] marshal %s", path)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return 0, "", errors.Wrapf(err, "[authapi] new request %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(err, "[authapi] POST %s", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLen))
	if err != nil {
		return 0, "", errors.Wrapf(err, "[authapi] read %s", path)
	}
	c.logger.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("elapsed", time.Since(started)).Msg("Auth request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, message(raw), nil
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return 0, "", errors.Wrapf(err, "[authapi] decode %s", path)
		}
	}
	return resp.StatusCode, "", nil
}

func message(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}

func reason(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
