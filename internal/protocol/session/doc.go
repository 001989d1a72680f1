// Package session owns the form service transport helpers.
//
// Ownership boundary:
// - transport timeouts and TLS policy
// - retry backoff
// - request/response envelopes on the wire
package session
