package model

import "errors"

// Sentinel errors shared by the sync engine and its collaborators.
var (
	ErrNetwork             = errors.New("network unreachable")
	ErrAuth                = errors.New("credentials invalid or expired")
	ErrSendTimeout         = errors.New("send not confirmed in time")
	ErrDuplicateSuppressed = errors.New("duplicate suppressed")
	ErrNotFound            = errors.New("resource not found")
	ErrNotConnected        = errors.New("push stream not connected")
	ErrInvalidTransition   = errors.New("invalid status transition")
)
