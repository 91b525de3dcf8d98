package session

import "errors"

// TransientError wraps an error that is likely temporary and safe to retry:
// network blips, throttling, gateway hiccups. Callers retry with a bounded
// exponential backoff before surfacing it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AuthError means the server rejected our credentials. Fatal to the
// session: retrying cannot help and reconnecting would loop forever.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is fatal-credential class.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// isPermanentError classifies errors that make reconnecting pointless.
// Everything else degrades to a visible status signal while the session
// keeps running on whatever state it has.
func isPermanentError(err error) bool {
	return IsAuthError(err)
}
