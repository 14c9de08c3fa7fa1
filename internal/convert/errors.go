package convert

import (
	"context"
	"errors"
	"fmt"
)

// Class はエラーの分類を表します。リトライ可否の判断はこの分類のみに基づき、
// エラーメッセージの文字列からは決して推測しません。
type Class string

const (
	// ClassValidation は入力不正です。リトライせず、即座に呼び出し元へ返します。
	ClassValidation Class = "validation"
	// ClassTransient はブローカー/コーデックのI/O起因の一時エラーです。リトライ対象です。
	ClassTransient Class = "transient"
	// ClassTimeout はハードタイムリミット超過です。常に終了状態となり、リトライされません。
	ClassTimeout Class = "timeout"
	// ClassUnavailable はブローカー到達不能です。呼び出し元には決して伝播せず、
	// 同期実行へのフォールバックを引き起こします。
	ClassUnavailable Class = "unavailable"
	// ClassInternal は上記以外の内部エラーです。
	ClassInternal Class = "internal"
)

// Error は変換処理のエラーを表します。
type Error struct {
	Class   Class  `json:"class"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(class Class, code, message string, cause error) *Error {
	return &Error{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// NewValidationError は入力不正エラーを生成します。
func NewValidationError(message string) *Error {
	return newError(ClassValidation, "INVALID_INPUT", message, nil)
}

// NewLimitExceededError はサイズ上限超過エラーを生成します。検証エラーの一種ですが、
// HTTP層が 413 を返せるよう専用のコードを持ちます。
func NewLimitExceededError(message string) *Error {
	return newError(ClassValidation, "LIMIT_EXCEEDED", message, nil)
}

// NewTransientError は一時エラーを生成します。
func NewTransientError(message string, cause error) *Error {
	return newError(ClassTransient, "TRANSIENT_ERROR", message, cause)
}

// NewTimeoutError はタイムリミット超過エラーを生成します。
func NewTimeoutError(message string, cause error) *Error {
	return newError(ClassTimeout, "TIME_LIMIT_EXCEEDED", message, cause)
}

// Classify はエラーを分類します。型付けされていないエラーは、
// コンテキスト期限切れをタイムアウト、それ以外を内部エラーとして扱います。
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var convErr *Error
	if errors.As(err, &convErr) {
		return convErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassInternal
}

// IsRetryable は自動リトライの対象となるエラーかどうかを返します。
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassInternal:
		return true
	default:
		return false
	}
}

// AsError はエラーを *Error に変換します。型付けされていない場合は分類結果から組み立てます。
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var convErr *Error
	if errors.As(err, &convErr) {
		return convErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("処理が制限時間を超過しました。", err)
	}
	return newError(ClassInternal, "INTERNAL_ERROR", err.Error(), err)
}
