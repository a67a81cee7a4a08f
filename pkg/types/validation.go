package types

import (
	"encoding/json"
	"strings"
)

// MaxContentBytes bounds a single chat message.
const MaxContentBytes = 64 * 1024

// DecodeInbound parses one client frame and returns its validated content.
func DecodeInbound(data []byte) (string, error) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", ErrMalformedFrame
	}
	if frame.Message == nil {
		return "", ErrMalformedFrame
	}
	content := *frame.Message
	if err := ValidateContent(content); err != nil {
		return "", err
	}
	return content, nil
}

// ValidateContent rejects blank and oversized messages.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}
