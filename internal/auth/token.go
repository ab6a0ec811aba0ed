// Package auth implements the MyTPU OAuth token lifecycle: scraping the
// undocumented Basic client credential from the portal's JavaScript bundle,
// exchanging user credentials for an access/refresh token pair, and keeping
// the pair fresh ahead of expiry.
package auth

import "time"

// ExpiryBuffer is the safety margin before the nominal expiry instant at
// which a token is already treated as expired.
const ExpiryBuffer = 60 * time.Second

// TokenState is the derived lifecycle state of the manager's token.
type TokenState int

const (
	StateNoToken TokenState = iota
	StateValid
	StateExpired
)

func (s TokenState) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	default:
		return "no-token"
	}
}

// TokenInfo is one access/refresh token pair. Instances are immutable once
// constructed: a refresh replaces the whole value, never individual fields.
type TokenInfo struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CustomerID   string
}

// IsExpiredAt reports whether the token counts as expired at the given
// instant. The boundary is inclusive: exactly ExpiryBuffer before the
// nominal expiry is already expired.
func (t *TokenInfo) IsExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-ExpiryBuffer))
}

// RemainingAt returns the lifetime left at the given instant, negative once
// the nominal expiry has passed.
func (t *TokenInfo) RemainingAt(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// StateAt derives the tagged lifecycle state for a possibly-nil token.
func (t *TokenInfo) StateAt(now time.Time) TokenState {
	switch {
	case t == nil:
		return StateNoToken
	case t.IsExpiredAt(now):
		return StateExpired
	default:
		return StateValid
	}
}

// StorageMap serializes the token to a storage-neutral mapping. ExpiresAt is
// stored as Unix seconds so the blob survives any JSON round trip.
func (t *TokenInfo) StorageMap() map[string]any {
	return map[string]any{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"expires_at":    float64(t.ExpiresAt.Unix()),
		"customer_id":   t.CustomerID,
	}
}

// TokenFromStorage rebuilds a TokenInfo from a stored mapping. Malformed
// data (missing or mistyped keys) yields nil rather than an error: the
// system degrades to requiring a full login.
func TokenFromStorage(data map[string]any) *TokenInfo {
	if data == nil {
		return nil
	}
	access, ok := data["access_token"].(string)
	if !ok || access == "" {
		return nil
	}
	refresh, ok := data["refresh_token"].(string)
	if !ok {
		return nil
	}
	expires, ok := asFloat(data["expires_at"])
	if !ok {
		return nil
	}
	customer, ok := data["customer_id"].(string)
	if !ok {
		return nil
	}
	return &TokenInfo{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Unix(int64(expires), 0),
		CustomerID:   customer,
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
