package tokenstore

import "context"

// TokenStore reads and writes session credentials to persistent storage.
//
// Writes replace the whole record. Callers outside the session package should
// treat a TokenStore as read-only.
type TokenStore interface {
	// Read returns the stored credentials. Returns ErrNoCredentials if the
	// store is in the unauthenticated state.
	Read(ctx context.Context) (Credentials, error)

	// Write persists the credentials. Returns ErrPartialCredentials if only one
	// of the two tokens is set.
	Write(ctx context.Context, creds Credentials) error

	// Clear removes the stored record. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
