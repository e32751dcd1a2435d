// Package tokenstore provides persistent storage for dashboard session credentials.
//
// A stored record holds the access token, the refresh token and the last-known
// user. Both tokens are either present together or absent together; backends
// reject partial records on write and report ErrNoCredentials when empty.
//
// Supports four storage backends with different deployment tradeoffs:
//   - File: Local filesystem storage with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Redis: Shared storage for headless workers using the same session
//   - Memory: Process-local storage, seeded from configuration
package tokenstore
