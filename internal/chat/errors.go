package chat

import "errors"

var (
	// ErrNotFound marks a referenced conversation or message that does not exist.
	ErrNotFound = errors.New("chat: not found")
	// ErrInvalidArgument marks caller mistakes that must not be retried.
	ErrInvalidArgument = errors.New("chat: invalid argument")
	// ErrUploadFailed marks a rejected attachment transfer.
	ErrUploadFailed = errors.New("chat: attachment upload failed")
	// ErrStoreUnavailable marks a transient backing-store failure; callers may retry.
	ErrStoreUnavailable = errors.New("chat: store unavailable")
	// ErrSummaryUpdateFailed marks a failed denormalized summary write. It is
	// diagnostic only and never surfaces from a send.
	ErrSummaryUpdateFailed = errors.New("chat: summary update failed")
)
