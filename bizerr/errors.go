// Package bizerr 定義對外回報的錯誤分類與穩定錯誤碼
package bizerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInfrastructure Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindResource
	KindForbidden
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindResource:
		return "resource"
	case KindForbidden:
		return "forbidden"
	case KindConcurrency:
		return "concurrency"
	default:
		return "infrastructure"
	}
}

// CodeInternal 是沒有分類的錯誤(通常是基礎設施錯誤)對外使用的錯誤碼
const CodeInternal = "INTERNAL"

// Error 是帶有穩定錯誤碼的業務錯誤
// errors.Is 只比較 Code，因此可以用 WithMessage 產生更詳細的訊息而不影響判斷
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable 表示呼叫端可以原封不動地重試
func (e *Error) Retryable() bool {
	return e.Kind == KindConcurrency
}

// WithMessage 回傳一個訊息不同但錯誤碼相同的副本
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap 回傳一個附帶原始錯誤的副本
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// CodeOf 取出錯誤碼，非業務錯誤一律回傳 CodeInternal
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// KindOf 取出錯誤分類，非業務錯誤一律視為基礎設施錯誤
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// IsRetryable 判斷錯誤是否可以重試
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// 輸入驗證錯誤，交易開始前就會被拒絕
var (
	ErrInvalidInput = New(KindValidation, "INVALID_INPUT", "invalid input")
)

// 資料不存在
var (
	ErrAuctionNotFound         = New(KindNotFound, "AUCTION_NOT_FOUND", "auction not found")
	ErrOrderNotFound           = New(KindNotFound, "ORDER_NOT_FOUND", "order not found")
	ErrAccountNotFound         = New(KindNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	ErrShippingAddressNotFound = New(KindNotFound, "SHIPPING_ADDRESS_NOT_FOUND", "shipping address not found")
	ErrTopupNotFound           = New(KindNotFound, "TOPUP_NOT_FOUND", "topup not found")
)

// 狀態衝突
var (
	ErrAuctionNotBiddable    = New(KindConflict, "AUCTION_NOT_BIDDABLE", "auction is not open for bidding")
	ErrAuctionNotActive      = New(KindConflict, "AUCTION_NOT_ACTIVE", "auction is outside its bidding window")
	ErrAuctionNotCancellable = New(KindConflict, "AUCTION_NOT_CANCELLABLE", "auction can no longer be cancelled")
	ErrAuctionNotEditable    = New(KindConflict, "AUCTION_NOT_EDITABLE", "auction can no longer be edited")
	ErrInvalidTransition     = New(KindConflict, "INVALID_TRANSITION", "transition not allowed from current status")
	ErrBidTooLow             = New(KindConflict, "BID_TOO_LOW", "bid is below the minimum acceptable price")
	ErrOrderNotPayable       = New(KindConflict, "ORDER_NOT_PAYABLE", "order is not awaiting payment")
	ErrOrderAlreadyPaid      = New(KindConflict, "ORDER_ALREADY_PAID", "order has already been paid")
	ErrAlreadyApplied        = New(KindConflict, "ALREADY_APPLIED", "operation has already been applied")
	ErrTopupAmountMismatch   = New(KindConflict, "TOPUP_AMOUNT_MISMATCH", "paid amount does not match the topup")
)

// 資源不足
var (
	ErrInsufficientBidCredits = New(KindResource, "INSUFFICIENT_BID_CREDITS", "not enough bid credits")
	ErrInsufficientBalance    = New(KindResource, "INSUFFICIENT_BALANCE", "not enough balance")
)

// 權限不足
var (
	ErrOwnerCannotBid  = New(KindForbidden, "OWNER_CANNOT_BID", "owner cannot bid on own auction")
	ErrNotOwner        = New(KindForbidden, "NOT_OWNER", "only the owner can perform this action")
	ErrNotAdmin        = New(KindForbidden, "NOT_ADMIN", "only an administrator can perform this action")
	ErrAccountDisabled = New(KindForbidden, "ACCOUNT_DISABLED", "account is disabled")
)

// 並行控制
var (
	ErrLockTimeout = New(KindConcurrency, "LOCK_TIMEOUT", "timed out waiting for a row lock, retry later")
)
