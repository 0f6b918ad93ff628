// Package auth validates access tokens for the fieldlink API.
//
// Tokens are HS256 JWTs carrying a subject and one of three roles:
//
//	viewer   → device:read
//	operator → device:read, device:command
//	admin    → device:read, device:command, device:admin
//
// The mapping is static. fieldlink does not store users; any service that
// shares the signing secret can issue tokens.
package auth
