package moderation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max text size
	MaxTextChars    = 2000 // max character count
	MaxMediaRef     = 512
)

// ErrEmptyMessage is returned for a message with neither text nor media.
var ErrEmptyMessage = errors.New("message text is empty")

// ValidateMessage checks that a session message meets content requirements.
// Text may be empty only when a media reference is attached.
func ValidateMessage(text, mediaRef string) error {
	if strings.TrimSpace(text) == "" && mediaRef == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if len(mediaRef) > MaxMediaRef {
		return fmt.Errorf("media reference exceeds %d byte limit", MaxMediaRef)
	}
	return nil
}
