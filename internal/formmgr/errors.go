package formmgr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrServiceLookupFailed = errors.New("formmgr: service registry lookup failed")
	ErrServiceNotFound     = errors.New("formmgr: form manager service not found")
	ErrDeathRecipient      = errors.New("formmgr: add death recipient failed")
	ErrNotConnected        = errors.New("formmgr: not connected")
	ErrServerInRecovery    = errors.New("formmgr: server in recovery")
	ErrRecoverFailed       = errors.New("formmgr: recover failed")
	ErrRemoteRejected      = errors.New("formmgr: remote rejected")
	ErrInvalidFormID       = errors.New("formmgr: invalid form id")
	ErrProviderDataEmpty   = errors.New("formmgr: provider data empty")
	ErrInvalidRefreshTime  = errors.New("formmgr: invalid refresh time")
	ErrInvalidArgument     = errors.New("formmgr: invalid argument")
	ErrClosed              = errors.New("formmgr: client closed")
)

// Result codes surfaced to callers of the form operations.
const (
	CodeOK = iota
	CodeCommon
	CodeServiceLookupFailed
	CodeServiceNotFound
	CodeNotConnected
	CodeInRecovery
	CodeRecoverFailed
	CodeRemoteRejected
	CodeInvalidFormID
	CodeProviderDataEmpty
	CodeInvalidRefreshTime
	CodeInvalidArgument
	CodeClosed
)

var codeTable = []struct {
	err  error
	code int
	msg  string
}{
	{ErrServerInRecovery, CodeInRecovery, "form manager service is recovering"},
	{ErrRecoverFailed, CodeRecoverFailed, "form manager service could not be recovered"},
	{ErrServiceLookupFailed, CodeServiceLookupFailed, "service registry unavailable"},
	{ErrServiceNotFound, CodeServiceNotFound, "form manager service not found"},
	{ErrDeathRecipient, CodeNotConnected, "not connected to form manager service"},
	{ErrNotConnected, CodeNotConnected, "not connected to form manager service"},
	{ErrRemoteRejected, CodeRemoteRejected, "form manager service rejected the request"},
	{ErrInvalidFormID, CodeInvalidFormID, "invalid form id"},
	{ErrProviderDataEmpty, CodeProviderDataEmpty, "provider data is empty"},
	{ErrInvalidRefreshTime, CodeInvalidRefreshTime, "refresh time below minimum"},
	{ErrInvalidArgument, CodeInvalidArgument, "invalid argument"},
	{ErrClosed, CodeClosed, "client closed"},
}

// Code maps err to its result code. Unclassified errors map to CodeCommon.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeCommon
}

// Message returns the caller-facing text for a result code.
func Message(code int) string {
	if code == CodeOK {
		return "ok"
	}
	for _, e := range codeTable {
		if e.code == code {
			return e.msg
		}
	}
	return "internal error"
}

// RemoteError is a non-OK status returned by the service itself.
type RemoteError struct {
	Op      string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("formmgr: %s rejected status=%d message=%q", e.Op, e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemoteRejected
}

// classify leaves known failures untouched and files everything else coming
// back from a remote call under ErrRemoteRejected.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if Code(err) != CodeCommon {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrRemoteRejected, op, err)
}
