package process

import (
	"unicode/utf8"

	"github.com/saintfish/chardet"
)

// EncodingError reports output that is not valid UTF-8.
type EncodingError struct {
	Stream string
	// Charset is the detector's best guess, empty when unknown.
	Charset string
}

func (e *EncodingError) Error() string {
	msg := e.Stream + " was not valid utf-8"
	if e.Charset != "" {
		msg += " (looks like " + e.Charset + ")"
	}
	return msg
}

// DecodeUTF8 returns data as a string, or an EncodingError naming stream if
// it is not UTF-8.
func DecodeUTF8(stream string, data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	return "", &EncodingError{Stream: stream, Charset: guessCharset(data)}
}

func guessCharset(data []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || result == nil {
		return ""
	}
	return result.Charset
}
