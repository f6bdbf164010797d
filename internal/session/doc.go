// Package session issues and verifies the signed bearer tokens that carry a
// connection's role, subject, origin address and issue time.
//
// Tokens are HS256 JWTs. Verification rejects bad signatures, unexpected
// algorithms, foreign issuers and expired tokens with ErrInvalidToken. Token
// lifetime is chosen per role so admin and guest sessions can age out on
// different schedules.
package session
