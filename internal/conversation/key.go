package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the two participant identifiers of a conversation key.
const Separator = "-"

var (
	// ErrInvalidKey is the parent of every identifier or key validation error.
	ErrInvalidKey = errors.New("invalid conversation key")
	// ErrEmptyParticipant is returned when a participant identifier is empty.
	ErrEmptyParticipant = fmt.Errorf("%w: empty participant id", ErrInvalidKey)
	// ErrSeparatorInID is returned when an identifier contains the key separator.
	ErrSeparatorInID = fmt.Errorf("%w: participant id contains %q", ErrInvalidKey, Separator)
	// ErrInvalidIDChar is returned when an identifier has characters outside [0-9A-Za-z_].
	// Keys are embedded in notifier subjects, where spaces, dots and wildcards are not literal.
	ErrInvalidIDChar = fmt.Errorf("%w: participant id must use [0-9A-Za-z_]", ErrInvalidKey)
	// ErrSelfConversation is returned when both participants are the same.
	ErrSelfConversation = fmt.Errorf("%w: conversation with yourself", ErrInvalidKey)
	// ErrNotParticipant is returned when an identifier is not part of a key.
	ErrNotParticipant = errors.New("not a participant of this conversation")
)

// ValidateID checks that id can take part in a conversation key.
func ValidateID(id string) error {
	if id == "" {
		return ErrEmptyParticipant
	}
	if strings.Contains(id, Separator) {
		return ErrSeparatorInID
	}
	for i := 0; i < len(id); i++ {
		if !isIDByte(id[i]) {
			return ErrInvalidIDChar
		}
	}
	return nil
}

func isIDByte(c byte) bool {
	return c == '_' ||
		('0' <= c && c <= '9') ||
		('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z')
}

// Key returns the canonical key for the conversation between a and b.
// Key(a, b) == Key(b, a).
func Key(a, b string) (string, error) {
	if err := ValidateID(a); err != nil {
		return "", err
	}
	if err := ValidateID(b); err != nil {
		return "", err
	}
	if a == b {
		return "", ErrSelfConversation
	}
	if b < a {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// Participants splits a key into its two identifiers, smaller first.
func Participants(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, Separator)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	canonical, err := Key(a, b)
	if err != nil {
		return "", "", err
	}
	if canonical != key {
		return "", "", fmt.Errorf("%w: %q is not canonical", ErrInvalidKey, key)
	}
	return a, b, nil
}

// Includes reports whether id is one of the participants of key.
func Includes(key, id string) bool {
	a, b, err := Participants(key)
	if err != nil {
		return false
	}
	return id == a || id == b
}

// Peer returns the participant of key that is not self.
func Peer(key, self string) (string, error) {
	a, b, err := Participants(key)
	if err != nil {
		return "", err
	}
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", ErrNotParticipant
	}
}
