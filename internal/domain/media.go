package domain

import (
	"fmt"
	"strings"
)

// MediaType identifies the category a cached blob is budgeted under.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// MediaTypes lists every media type in lookup order.
var MediaTypes = []MediaType{MediaImage, MediaVideo, MediaAudio}

// ParseMediaType parses a media type name, case-insensitively.
func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(strings.ToLower(strings.TrimSpace(s))) {
	case MediaImage:
		return MediaImage, nil
	case MediaVideo:
		return MediaVideo, nil
	case MediaAudio:
		return MediaAudio, nil
	default:
		return "", fmt.Errorf("%w: unknown media type %q", ErrInvalidInput, s)
	}
}

// Valid returns true if m is a known media type
func (m MediaType) Valid() bool {
	switch m {
	case MediaImage, MediaVideo, MediaAudio:
		return true
	}
	return false
}

func (m MediaType) String() string {
	return string(m)
}
