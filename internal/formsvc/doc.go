// Package formsvc is the form manager service: an in-memory form store,
// the newline-JSON TCP/TLS server exposing it, the client connection the
// formmgr proxy resolves through, and the HTTP admin surface.
package formsvc
