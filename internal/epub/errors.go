// Package epub は EPUB アーカイブの検証・修復と、レンダリング用 HTML の組み立てを提供します。
package epub

import "errors"

// ErrInvalidArchive はアップロードされたファイルが EPUB として扱えないことを表します。
var ErrInvalidArchive = errors.New("invalid EPUB archive")

// ArchiveError は修復不能なアーカイブの理由を保持します。
// errors.Is(err, ErrInvalidArchive) で判定できます。
type ArchiveError struct {
	Reason string
	Err    error
}

func (e *ArchiveError) Error() string {
	if e.Reason == "" {
		return ErrInvalidArchive.Error()
	}
	return e.Reason
}

// Is は ErrInvalidArchive との比較を可能にします。
func (e *ArchiveError) Is(target error) bool {
	return target == ErrInvalidArchive
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

func invalidArchive(reason string, err error) error {
	return &ArchiveError{Reason: reason, Err: err}
}
