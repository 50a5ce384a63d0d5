package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/convsync/internal/ir"
)

// MaxBytes is the largest accepted attachment.
const MaxBytes = 50 << 20

var (
	// ErrUnsupportedType is returned for a MIME type outside the allow list.
	ErrUnsupportedType = errors.New("unsupported media type")
	// ErrTooLarge is returned for attachments over MaxBytes.
	ErrTooLarge = errors.New("media too large")
)

// allowed lists accepted MIME types by message kind.
var allowed = map[string]ir.MessageKind{
	"image/jpeg": ir.MessageImage,
	"image/png":  ir.MessageImage,
	"image/gif":  ir.MessageImage,
	"image/webp": ir.MessageImage,

	"video/mp4":       ir.MessageVideo,
	"video/webm":      ir.MessageVideo,
	"video/quicktime": ir.MessageVideo,

	"audio/mp3":  ir.MessageVoice,
	"audio/mpeg": ir.MessageVoice,
	"audio/wav":  ir.MessageVoice,
	"audio/ogg":  ir.MessageVoice,
	"audio/m4a":  ir.MessageVoice,
	"audio/webm": ir.MessageVoice,

	"application/pdf":    ir.MessageDocument,
	"text/plain":         ir.MessageDocument,
	"application/msword": ir.MessageDocument,

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ir.MessageDocument,
}

// BaseType strips parameters such as "; codecs=opus" and lowercases.
func BaseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// Validate checks an attachment's MIME type and size.
func Validate(mime string, size int64) error {
	if _, ok := allowed[BaseType(mime)]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, mime)
	}
	if size > MaxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, size, MaxBytes)
	}
	return nil
}

// KindFor returns the message kind used to display mime.
func KindFor(mime string) ir.MessageKind {
	base := BaseType(mime)
	if k, ok := allowed[base]; ok {
		return k
	}
	return ir.KindForMime(base)
}

// ValidateContent checks every attachment of c.
func ValidateContent(c ir.Content) error {
	for i, m := range c.Media {
		if err := Validate(m.MimeType, m.Bytes); err != nil {
			return fmt.Errorf("media[%d]: %w", i, err)
		}
	}
	return nil
}

// ResourceType returns the upload endpoint family for mime: audio is
// stored with video, and anything that is not image or video is raw.
func ResourceType(mime string) string {
	base := BaseType(mime)
	switch {
	case strings.HasPrefix(base, "image/"):
		return "image"
	case strings.HasPrefix(base, "video/"), strings.HasPrefix(base, "audio/"):
		return "video"
	default:
		return "raw"
	}
}

// Upload is one attachment to store. Duration is the client-measured
// length of a voice note or video, zero if unknown.
type Upload struct {
	Name     string
	MimeType string
	Size     int64
	Duration time.Duration
	Body     io.Reader
}

// Store persists attachment bytes and returns a reference to them.
type Store interface {
	Upload(ctx context.Context, u Upload) (ir.MediaRef, error)
}
