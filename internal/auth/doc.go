// Package auth issues and verifies the bearer tokens that guard the bridge.
//
// Tokens are HS256 JWTs signed with the shared security.jwt.secret. An
// optional scopes claim narrows a token to publish, subscribe or audit; a
// token without scopes may do everything. Operators mint tokens with
// "httq token".
package auth
