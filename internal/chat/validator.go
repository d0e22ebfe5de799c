package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxTextBytes = 16 * 1024
	MaxTextChars = 4000
	MaxURLBytes  = 2048
)

// ErrEmptyContent is returned for a message without text, image or video.
var ErrEmptyContent = errors.New("message has no text, image or video")

// Content is the user-supplied part of a new message.
type Content struct {
	Text     string
	ImageURL string
	VideoURL string
}

// IsEmpty reports whether none of the content fields is set.
func (c Content) IsEmpty() bool {
	return c.Text == "" && c.ImageURL == "" && c.VideoURL == ""
}

// ValidateContent checks that a new message carries at least one of text,
// image or video and that each field is within limits.
func ValidateContent(c Content) error {
	if c.IsEmpty() {
		return ErrEmptyContent
	}
	if len(c.Text) > MaxTextBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxTextBytes)
	}
	if !utf8.ValidString(c.Text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(c.Text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if len(c.ImageURL) > MaxURLBytes {
		return fmt.Errorf("imageUrl exceeds %d byte limit", MaxURLBytes)
	}
	if len(c.VideoURL) > MaxURLBytes {
		return fmt.Errorf("videoUrl exceeds %d byte limit", MaxURLBytes)
	}
	return nil
}
