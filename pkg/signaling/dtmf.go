package signaling

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidTone невалидный DTMF символ
var ErrInvalidTone = errors.New("invalid DTMF tone")

// NormalizeTones проверяет строку DTMF символов согласно RFC 4733
// (0-9, *, #, A-D) и приводит буквы к верхнему регистру.
func NormalizeTones(tones string) (string, error) {
	if tones == "" {
		return "", errors.Wrap(ErrInvalidTone, "empty tone")
	}

	upper := strings.ToUpper(tones)
	for _, r := range upper {
		if !isTone(r) {
			return "", errors.Wrap(ErrInvalidTone, fmt.Sprintf("tone %q", r))
		}
	}
	return upper, nil
}

func isTone(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == '*' || r == '#':
		return true
	case r >= 'A' && r <= 'D':
		return true
	}
	return false
}

// ToneEvent возвращает код события telephone-event (RFC 4733) для символа.
func ToneEvent(r rune) (uint8, bool) {
	switch {
	case r >= '0' && r <= '9':
		return uint8(r - '0'), true
	case r == '*':
		return 10, true
	case r == '#':
		return 11, true
	case r >= 'A' && r <= 'D':
		return uint8(r-'A') + 12, true
	case r >= 'a' && r <= 'd':
		return uint8(r-'a') + 12, true
	}
	return 0, false
}
