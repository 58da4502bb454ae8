package fakeissuer

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-client/internal/token"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyAccountID stores the authenticated account ID
	ContextKeyAccountID ContextKey = "account_id"
	contextKeyClaims    ContextKey = "claims"
)

func (i *Issuer) initRoutes() {
	i.registerRoute("POST "+RouteSignIn, ChainMiddleware(i.SignInHandler(), i.LoggingMiddleware, i.RecoverMiddleware))
	i.registerRoute("POST "+RouteSecondFactor, ChainMiddleware(i.SecondFactorHandler(), i.LoggingMiddleware, i.RecoverMiddleware))
	i.registerRoute("POST "+RouteRefresh, ChainMiddleware(i.RefreshHandler(), i.LoggingMiddleware, i.RecoverMiddleware))
	i.registerRoute("POST "+RouteLogout, ChainMiddleware(i.LogoutHandler(), i.LoggingMiddleware, i.RecoverMiddleware, i.RequireAuth))
	i.registerRoute("GET "+RouteMe, ChainMiddleware(i.MeHandler(), i.LoggingMiddleware, i.RecoverMiddleware, i.RequireAuth))
}

func (i *Issuer) registerRoute(pattern string, handler http.HandlerFunc) {
	i.routes = append(i.routes, pattern)
	i.mux.HandleFunc(pattern, handler)
}

func ChainMiddleware(routeFunction http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chainedHandler := routeFunction
	// Apply middleware in reverse order
	for i := len(mw) - 1; i >= 0; i-- {
		chainedHandler = mw[i](chainedHandler)
	}
	return chainedHandler
}

func (i *Issuer) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Request")
		next(w, r)
	}
}

func (i *Issuer) RecoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				i.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panicked")
				writeMessage(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next(w, r)
	}
}

// RequireAuth validates the bearer access credential and stores the account
// id in the request context.
func (i *Issuer) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i.protectedHits.Add(1)
		if i.refuseAccess.Load() {
			writeMessage(w, http.StatusUnauthorized, "Token expired")
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeMessage(w, http.StatusUnauthorized, "Authorization header missing")
			return
		}
		claims, err := token.Verify(i.signer, raw, i.nowFunc())
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Token expired")
			return
		}
		id, ok := accountID(claims)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		jti, _ := claims["jti"].(string)
		if i.revoked.isRevoked(jti) {
			writeMessage(w, http.StatusUnauthorized, "Token revoked")
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyAccountID, id)
		ctx = context.WithValue(ctx, contextKeyClaims, claims)
		next(w, r.WithContext(ctx))
	}
}

func accountID(claims jwt.MapClaims) (int64, bool) {
	switch v := claims["userId"].(type) {
	case float64:
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	}
	return 0, false
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type secondFactorRequest struct {
	UserID json.RawMessage `json:"userId"`
	Token  string          `json:"token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userResponse struct {
	ID        int64      `json:"id"`
	AccountNo int64      `json:"accountNo,omitempty"`
	Name      string     `json:"name,omitempty"`
	Surname   string     `json:"surname,omitempty"`
	Email     string     `json:"email"`
	LastLogin *time.Time `json:"lastLogin,omitempty"`
}

type grantResponse struct {
	tokenPair
	User userResponse `json:"user"`
	Role string       `json:"role,omitempty"`
}

type invalidPasswordResponse struct {
	Message           string `json:"message"`
	RemainingAttempts int    `json:"remainingAttempts"`
}

type lockedResponse struct {
	Message         string    `json:"message"`
	LockoutDuration int64     `json:"lockoutDuration"`
	UnlockTime      time.Time `json:"unlockTime"`
}

type secondFactorResponse struct {
	Requires2FA bool   `json:"requires2FA"`
	UserID      int64  `json:"userId"`
	Email       string `json:"email"`
	Message     string `json:"message"`
}

func newUserResponse(a Account) userResponse {
	return userResponse{
		ID:        a.ID,
		AccountNo: a.AccountNo,
		Name:      a.Name,
		Surname:   a.Surname,
		Email:     a.Email,
		LastLogin: a.LastLogin,
	}
}

func (i *Issuer) SignInHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
			writeMessage(w, http.StatusBadRequest, "Email and password are required")
			return
		}

		a, err := i.accounts.byEmail(req.Email)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, invalidPasswordResponse{Message: "Invalid email or password", RemainingAttempts: maxFailedAttempts})
			return
		}
		now := i.nowFunc()
		if a.Locked(now) {
			writeJSON(w, http.StatusLocked, lockedResponse{
				Message:         "Account is temporarily locked due to too many failed attempts",
				LockoutDuration: a.LockedUntil.Sub(now).Milliseconds(),
				UnlockTime:      *a.LockedUntil,
			})
			return
		}
		if !CheckPasswordHash(req.Password, a.PasswordHash) {
			remaining := i.accounts.recordFailure(a.ID, now)
			writeJSON(w, http.StatusUnauthorized, invalidPasswordResponse{Message: "Invalid email or password", RemainingAttempts: remaining})
			return
		}
		i.accounts.resetFailures(a.ID)
		if a.Blocked {
			writeMessage(w, http.StatusForbidden, "Account is blocked")
			return
		}

		if a.RequiresSecondFactor() {
			i.lock.Lock()
			i.pendingFactors[a.ID] = i.nowFunc()
			i.lock.Unlock()
			writeJSON(w, http.StatusOK, secondFactorResponse{
				Requires2FA: true,
				UserID:      a.ID,
				Email:       a.Email,
				Message:     "2FA verification required",
			})
			return
		}
		i.writeGrant(w, a)
	}
}

func (i *Issuer) SecondFactorHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req secondFactorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "User ID and token are required")
			return
		}
		id, ok := parseID(req.UserID)
		if !ok || req.Token == "" {
			writeMessage(w, http.StatusBadRequest, "User ID and token are required")
			return
		}

		i.lock.Lock()
		_, pending := i.pendingFactors[id]
		i.lock.Unlock()
		a, err := i.accounts.byID(id)
		if !pending || err != nil {
			writeMessage(w, http.StatusUnauthorized, "No pending verification")
			return
		}
		if req.Token != a.SecondFactorCode {
			writeMessage(w, http.StatusBadRequest, "Invalid 2FA code")
			return
		}

		i.lock.Lock()
		delete(i.pendingFactors, id)
		i.lock.Unlock()
		i.writeGrant(w, a)
	}
}

func (i *Issuer) writeGrant(w http.ResponseWriter, a Account) {
	pair, err := i.issuePair(a.ID)
	if err != nil {
		i.logger.Error().Err(err).Int64("account", a.ID).Msg("Failed to issue credentials")
		writeMessage(w, http.StatusInternalServerError, "Failed to issue credentials")
		return
	}
	i.accounts.touchLogin(a.ID, i.nowFunc())
	writeJSON(w, http.StatusOK, grantResponse{tokenPair: pair, User: newUserResponse(a), Role: a.Role})
}

func (i *Issuer) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i.renewals.Add(1)
		if d := time.Duration(i.renewalDelay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if i.failRenewals.Load() > 0 && i.failRenewals.Add(-1) >= 0 {
			writeMessage(w, int(i.failStatus.Load()), "Service unavailable")
			return
		}

		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
			writeMessage(w, http.StatusBadRequest, "Refresh token is required")
			return
		}
		id, ok := i.redeemRefresh(req.RefreshToken)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired refresh token")
			return
		}
		pair, err := i.issuePair(id)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired refresh token")
			return
		}
		writeJSON(w, http.StatusOK, pair)
	}
}

func (i *Issuer) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := r.Context().Value(ContextKeyAccountID).(int64)
		i.revokeAccount(id)
		if claims, ok := r.Context().Value(contextKeyClaims).(jwt.MapClaims); ok {
			jti, _ := claims["jti"].(string)
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && jti != "" {
				i.revoked.add(jti, exp.Time)
			}
		}
		i.revoked.cleanup(i.nowFunc())
		writeMessage(w, http.StatusOK, "Logged out successfully")
	}
}

func (i *Issuer) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := r.Context().Value(ContextKeyAccountID).(int64)
		a, err := i.accounts.byID(id)
		if err != nil {
			writeMessage(w, http.StatusNotFound, "User not found")
			return
		}
		writeJSON(w, http.StatusOK, newUserResponse(a))
	}
}

func parseID(raw json.RawMessage) (int64, bool) {
	var n int64
	if json.Unmarshal(raw, &n) == nil {
		return n, true
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
