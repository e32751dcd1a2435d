// Package tokensource performs the dashboard backend's refresh-token grant.
//
// The backend's refresh endpoint deviates from standard OAuth2 in ways that
// require custom handling:
//   - The request is a JSON body {"refreshToken": ...} (standard OAuth2 uses form-encoding)
//   - The response is wrapped in an envelope {"success", "message", "data": {"token", "refreshToken"}}
//
// Refresher drives golang.org/x/oauth2 and rewrites both directions in a
// RoundTripper, so error classification (oauth2.RetrieveError) and token
// handling stay with the oauth2 package.
//
//	r := tokensource.NewRefresher(tokensource.EndpointFor(baseURL))
//	tok, err := r.Refresh(ctx, refreshToken)
//
// # Custom Base Transport
//
// Configure a custom base transport for refresh requests (e.g., for proxies or tests):
//
//	r := tokensource.NewRefresher(endpoint, tokensource.WithTransport(customTransport))
package tokensource
