package jobs

import "errors"

var (
	// ErrNotFound はジョブが存在しないか、呼び出し元の所有ではないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrStateConflict は現在の状態では操作できないことを表します。
	ErrStateConflict = errors.New("job state conflict")
)

// エラーコード
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeInvalidArchive  = "INVALID_ARCHIVE"
	CodeNotFound        = "JOB_NOT_FOUND"
	CodeStateConflict   = "STATE_CONFLICT"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeRevealFailed    = "REVEAL_FAILED"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error は API 利用者に返すエラー情報を保持します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func notFound() *Error {
	return newError(CodeNotFound, "指定されたジョブは存在しません。", ErrNotFound)
}
