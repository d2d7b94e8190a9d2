package service

import (
	"errors"
	"fmt"

	"github.com/langchou/parkgate/internal/fee"
	"github.com/langchou/parkgate/internal/repository"
)

// 业务错误
var (
	ErrRecognitionFailure  = errors.New("plate recognition failed")
	ErrNoMatchingSession   = errors.New("no open session for tag")
	ErrCaptureTimeout      = errors.New("capture timed out")
	ErrPlateMismatch       = errors.New("exit plate does not match entry plate")
	ErrInvalidInterval     = fmt.Errorf("invalid parking interval: %w", fee.ErrInvalidInterval)
	ErrInsufficientBalance = fmt.Errorf("payment failed: %w", repository.ErrInsufficientBalance)
	ErrPaymentRejected     = errors.New("payment rejected")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidState        = errors.New("event not allowed in current session state")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrInvalidEvent        = errors.New("invalid event")
)

// 错误码，出现在 ERROR 结果中
const (
	CodeRecognitionFailure = "RecognitionFailure"
	CodeNoMatchingSession  = "NoMatchingSession"
	CodeCaptureTimeout     = "CaptureTimeout"
	CodeInvalidInterval    = "InvalidInterval"
)
