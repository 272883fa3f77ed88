package headless

import (
	"fmt"
	"strings"

	"github.com/MrWong99/chronoxa/internal/apperr"
)

// keyLabel introduces the idempotency key on the first payload line.
const keyLabel = "OUTBOX_ID"

// Payload is a parsed headless request body.
type Payload struct {
	// Key is the idempotency key, from the body or the fallback header.
	Key string

	// Instruction is the free text to act on.
	Instruction string
}

// Fingerprint is the marker embedded in the notes of everything created for
// key.
func Fingerprint(key string) string {
	return keyLabel + "=" + key
}

// ParsePayload reads an optional "OUTBOX_ID: <token>" first line (label
// case-insensitive) and an optional "---" separator line, followed by the
// instruction. fallbackKey is used when the body carries no key.
func ParsePayload(body, fallbackKey string) (Payload, error) {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.TrimLeft(body, "\n\t ")

	var p Payload
	first, rest, _ := strings.Cut(body, "\n")
	if label, value, ok := strings.Cut(first, ":"); ok && strings.EqualFold(strings.TrimSpace(label), keyLabel) {
		p.Key = strings.TrimSpace(value)
		if p.Key == "" || strings.ContainsAny(p.Key, " \t") {
			return Payload{}, &apperr.ValidationError{Reason: fmt.Sprintf("%s must be a single non-empty token", keyLabel)}
		}
		body = rest
	}

	trimmed := strings.TrimLeft(body, "\n\t ")
	if sep, after, ok := strings.Cut(trimmed, "\n"); ok && strings.TrimSpace(sep) == "---" {
		body = after
	} else if strings.TrimSpace(trimmed) == "---" {
		body = ""
	}

	p.Instruction = strings.TrimSpace(body)
	if p.Instruction == "" {
		return Payload{}, &apperr.ValidationError{Missing: []string{"instruction"}}
	}
	if p.Key == "" {
		p.Key = strings.TrimSpace(fallbackKey)
	}
	return p, nil
}

// hasFingerprint reports whether notes contain the fingerprint for key as a
// whole token, so that "abc1" does not match "abc123".
func hasFingerprint(notes, key string) bool {
	fp := Fingerprint(key)
	for i := 0; ; {
		j := strings.Index(notes[i:], fp)
		if j < 0 {
			return false
		}
		end := i + j + len(fp)
		if end == len(notes) || !isTokenByte(notes[end]) {
			return true
		}
		i = end
	}
}

func isTokenByte(b byte) bool {
	return b == '-' || b == '_' || b == '.' ||
		('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
