// Package auth implements SMART Backend Services client authentication:
// a signed JWT assertion is exchanged at the token endpoint for a bearer
// token via the client_credentials grant.
//
// One Authenticator instance is shared by all client activity in a process.
// It caches the current token, refreshes it before expiry, and coalesces
// concurrent refreshes into a single exchange. The cache can optionally be
// persisted across restarts through a TokenStore (file or Redis backed).
package auth
