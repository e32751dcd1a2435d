// Package session coordinates every mutation of the stored credentials.
//
// The Coordinator is the only component that writes to the TokenStore. It
// guarantees that at most one refresh call is in flight: the first caller
// performs the refresh, concurrent callers queue behind it and are resolved in
// enqueue order with the same result. A failed refresh is terminal for the
// session: the store is cleared and session-ended listeners fire exactly once.
package session
