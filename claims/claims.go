package claims

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	interr "github.com/jrsteele09/go-auth-client/internal/errors"
)

// DefaultRefreshThreshold is how long before expiry a credential is renewed proactively.
const DefaultRefreshThreshold = 5 * time.Minute

// Claims is the read-only view of an access credential's self-contained payload.
type Claims struct {
	ExpiresAt int64  // Expiry in epoch seconds
	SubjectID string // userId, id or sub, whichever is present first
	Email     string
	Role      string // Optional
}

var parser = jwt.NewParser()

// ErrUnreadable is returned by Parse for anything Decode rejects.
var ErrUnreadable = interr.ErrUnreadableCredential

// Decode reads the claims of a credential without verifying its signature.
// It returns false for anything that is not three dot-separated segments
// carrying a base64url JSON payload with a numeric expiry.
func Decode(raw string) (Claims, bool) {
	c, err := Parse(raw)
	return c, err == nil
}

// Parse is Decode with the reason for an unreadable credential.
func Parse(raw string) (Claims, error) {
	if strings.Count(raw, ".") != 2 {
		return Claims{}, interr.Wrapf(ErrUnreadable, "expected 3 segments, got %d", strings.Count(raw, ".")+1)
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, mapClaims); err != nil {
		return Claims{}, interr.Wrapf(ErrUnreadable, "%s", err)
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil {
		return Claims{}, interr.Wrapf(ErrUnreadable, "%s", err)
	}
	if exp == nil {
		return Claims{}, interr.Wrapf(ErrUnreadable, "no expiry")
	}

	email, _ := mapClaims["email"].(string)
	role, _ := mapClaims["role"].(string)

	return Claims{
		ExpiresAt: exp.Unix(),
		SubjectID: subject(mapClaims),
		Email:     email,
		Role:      role,
	}, nil
}

// Expired reports whether now is at or past the expiry.
func (c Claims) Expired(now time.Time) bool {
	return now.UnixMilli() >= c.ExpiresAt*1000
}

// ExpiringSoon reports whether the credential expires within threshold of now.
// An expired credential is also expiring soon.
func (c Claims) ExpiringSoon(now time.Time, threshold time.Duration) bool {
	return c.ExpiresAt*1000-now.UnixMilli() <= threshold.Milliseconds()
}

// Remaining returns the time left before expiry, negative once expired.
func (c Claims) Remaining(now time.Time) time.Duration {
	return time.UnixMilli(c.ExpiresAt * 1000).Sub(now)
}

// ExpiresAtTime returns the expiry as a time.Time.
func (c Claims) ExpiresAtTime() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// Usable decodes raw and reports whether it is readable and not expired at now.
func Usable(raw string, now time.Time) bool {
	c, ok := Decode(raw)
	return ok && !c.Expired(now)
}

func subject(m jwt.MapClaims) string {
	for _, name := range []string{"userId", "id", "sub"} {
		switch v := m[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
