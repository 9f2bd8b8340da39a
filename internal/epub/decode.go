package epub

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// fallbackEncodings は UTF-8 で読めなかった場合に順に試すエンコーディングです。
var fallbackEncodings = []encoding.Encoding{
	unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM),
	simplifiedchinese.GB18030,
	japanese.ShiftJIS,
}

// DecodeText はバイト列を文字列に変換します。失敗することはなく、
// どのエンコーディングでも読めない場合は不正なバイトを捨てた UTF-8 として扱います。
func DecodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(bytes.TrimPrefix(data, utf8BOM))
	}
	for _, enc := range fallbackEncodings {
		if text, ok := decodeStrict(enc, data); ok {
			return text
		}
	}
	return strings.ToValidUTF8(string(data), "")
}

// decodeStrict は置換文字が発生した場合を失敗として扱います。
func decodeStrict(enc encoding.Encoding, data []byte) (string, bool) {
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", false
	}
	if bytes.ContainsRune(out, utf8.RuneError) || !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}
