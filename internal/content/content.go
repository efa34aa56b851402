package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const MaxMessageLength = 4000

var (
	policy        = bluemonday.UGCPolicy()
	strict        = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,32}$`)
	markdown      = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))
)

// StripTags removes all HTML. Used for names and descriptions.
func StripTags(input string) string {
	return strict.Sanitize(input)
}

// Render converts message markdown to HTML that is safe to inject into the page.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is 3 to 32 characters long.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username must be 3-32 characters: alphanumeric, dot, dash, underscore")
	}
	return nil
}

// ValidateText checks message text before it is persisted. Text is stored
// as sent; only Render output is sanitised.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("content cannot be empty")
	}
	if len(text) > MaxMessageLength {
		return errors.New("content is too long")
	}
	if strings.TrimSpace(StripTags(text)) == "" {
		return errors.New("content has no text")
	}
	return nil
}
