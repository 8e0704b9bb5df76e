package remote

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the remote API. Transport failures are
// returned as plain errors and are always retriable; APIErrors are retriable
// only for server-side statuses.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: %d: %s", e.Status, e.Message)
}

// Retriable reports whether retrying the same request can succeed without
// operator action. Client errors are permanent; 401 is special-cased by the
// caller because it needs re-registration, not a replay.
func (e *APIError) Retriable() bool {
	return e.Status >= 500
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

// IsNotFound reports whether the remote answered 404. For deletes this is an
// acknowledgement: the record is already gone.
func IsNotFound(err error) bool {
	return IsStatus(err, 404)
}

// IsUnauthorized reports whether the bearer token was rejected.
func IsUnauthorized(err error) bool {
	return IsStatus(err, 401)
}

// Retriable classifies any push error: transport errors and 5xx responses
// are retriable, 401 is retriable once re-authentication resolves, and the
// remaining 4xx statuses are permanent.
func Retriable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retriable() || ae.Status == 401
	}
	return true
}
