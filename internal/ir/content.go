package ir

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxTextRunes bounds the text body of a single message.
const MaxTextRunes = 4096

// PreviewRunes bounds the rendered conversation preview.
const PreviewRunes = 80

// EmptyPreview is shown for a conversation with no messages.
const EmptyPreview = "Start a conversation"

// ErrEmptyContent is returned for a message with neither text nor media.
var ErrEmptyContent = errors.New("message has no text and no media")

// Normalize returns c with NFC text, trimmed whitespace, and a kind
// inferred from the first attachment when none was given.
func (c Content) Normalize() Content {
	c.Text = strings.TrimSpace(norm.NFC.String(c.Text))
	if c.Kind == "" {
		c.Kind = MessageText
		if len(c.Media) > 0 {
			c.Kind = KindForMime(c.Media[0].MimeType)
		}
	}
	return c
}

// Validate checks structural rules for message content.
func (c Content) Validate() error {
	if !ValidMessageKinds[c.Kind] {
		return fmt.Errorf("invalid message kind %q", c.Kind)
	}
	if c.Text == "" && len(c.Media) == 0 {
		return ErrEmptyContent
	}
	if n := utf8.RuneCountInString(c.Text); n > MaxTextRunes {
		return fmt.Errorf("text too long: %d runes (max %d)", n, MaxTextRunes)
	}
	if c.Kind != MessageText && len(c.Media) == 0 {
		return fmt.Errorf("%s message requires media", c.Kind)
	}
	for i, m := range c.Media {
		if m.URL == "" {
			return fmt.Errorf("media[%d]: missing url", i)
		}
		if m.MimeType == "" {
			return fmt.Errorf("media[%d]: missing mime type", i)
		}
	}
	return nil
}

// KindForMime maps a MIME type to the message kind that displays it.
func KindForMime(mime string) MessageKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MessageImage
	case strings.HasPrefix(mime, "video/"):
		return MessageVideo
	case strings.HasPrefix(mime, "audio/"):
		return MessageVoice
	default:
		return MessageDocument
	}
}

// Preview renders the one-line conversation list text for msg as seen by
// viewer. A nil msg renders EmptyPreview.
func Preview(msg *Message, viewer string) string {
	if msg == nil {
		return EmptyPreview
	}

	var body string
	switch msg.Content.Kind {
	case MessageImage:
		body = "📷 Photo"
	case MessageVideo:
		body = "🎥 Video"
	case MessageVoice:
		body = "🎵 Audio"
	case MessageDocument:
		body = "📄 Document"
	default:
		body = msg.Content.Text
		if body == "" {
			body = "Message"
		}
	}

	if msg.SenderID == viewer {
		body = "You: " + body
	}
	return truncateRunes(strings.Join(strings.Fields(body), " "), PreviewRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
