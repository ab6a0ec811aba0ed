package auth

import "fmt"

// ExtractionError indicates the Basic client credential could not be scraped
// from the portal. Transient: the page structure may be temporarily broken or
// unreachable, so callers may retry on the next cycle.
type ExtractionError struct {
	Stage string // "login-page", "bundle-name", "bundle", "token-pattern"
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential extraction failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("credential extraction failed at %s", e.Stage)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// AuthError indicates credentials or tokens are invalid. Terminal for the
// current token: full re-authentication is required.
type AuthError struct {
	StatusCode int // 0 when the failure was not an HTTP response
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ServerError indicates a provider-side fault (HTTP >= 500) on the token
// exchange. Transient as far as the token is concerned: the caller should
// retry later without discarding the token.
//
// The MyTPU server returns 500 rather than 401 for an already-expired refresh
// token, so persistent ServerErrors eventually have to be escalated to an
// auth failure by the coordinator.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error during token exchange (%d): %s", e.StatusCode, e.Body)
}

// classifyExchangeFailure maps a non-200 token exchange response to the
// error taxonomy: >= 500 is a ServerError, anything else an AuthError.
func classifyExchangeFailure(status int, body string) error {
	if status >= 500 {
		return &ServerError{StatusCode: status, Body: body}
	}
	return &AuthError{StatusCode: status, Message: body}
}
