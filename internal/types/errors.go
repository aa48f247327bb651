package types

import "errors"

// Error kinds shared by every layer. Components wrap these with context;
// callers match them with errors.Is.
var (
	ErrInvalidSpec           = errors.New("invalid spec")
	ErrDuplicateSession      = errors.New("duplicate session")
	ErrSessionNotFound       = errors.New("session not found")
	ErrRuntimeUnavailable    = errors.New("runtime unavailable")
	ErrResourceExhausted     = errors.New("resource exhausted")
	ErrHandleNotFound        = errors.New("handle not found")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrSessionActive         = errors.New("session active")
	ErrTranscriptUnavailable = errors.New("transcript unavailable")
)
