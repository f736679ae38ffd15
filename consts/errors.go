package consts

import "errors"

var (
	ErrMailboxNotFound      = errors.New("mailbox not found")
	ErrMailboxAlreadyExists = errors.New("mailbox already exists")
	ErrMailboxInvalidName   = errors.New("invalid mailbox name")
	ErrCannotDeleteInbox    = errors.New("INBOX cannot be deleted")
	ErrMessageNotFound      = errors.New("message not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidFlag          = errors.New("invalid flag")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrNotPermitted         = errors.New("operation not permitted")
	ErrInternalError        = errors.New("internal error")

	// Resource limits. These are permanent failures.
	ErrQuotaExceeded   = errors.New("mailbox quota exceeded")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrStorageUnavailable marks transient backend failures that callers may retry.
	ErrStorageUnavailable = errors.New("storage temporarily unavailable")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrBlobNotFound = errors.New("blob not found")
)
