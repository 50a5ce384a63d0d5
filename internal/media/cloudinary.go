package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"

	"github.com/roach88/convsync/internal/ir"
)

// CloudinaryConfig configures unsigned uploads.
//
// BaseURL overrides the upload API prefix (scheme and host, without the
// API version); empty keeps the SDK default.
type CloudinaryConfig struct {
	BaseURL      string
	CloudName    string
	UploadPreset string
	Folder       string
	Tags         []string
	Timeout      time.Duration
}

// Cloudinary uploads attachments with an unsigned upload preset.
type Cloudinary struct {
	cfg   CloudinaryConfig
	cld   *cloudinary.Cloudinary
	newID func() string
}

// NewCloudinary creates an uploader.
func NewCloudinary(cfg CloudinaryConfig) (*Cloudinary, error) {
	if cfg.CloudName == "" || cfg.UploadPreset == "" {
		return nil, fmt.Errorf("cloudinary: cloud name and upload preset are required")
	}
	if cfg.Folder == "" {
		cfg.Folder = "convsync/chat"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	// Unsigned uploads authenticate with the preset alone.
	cld, err := cloudinary.NewFromParams(cfg.CloudName, "", "")
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	if cfg.BaseURL != "" {
		prefix := strings.TrimRight(cfg.BaseURL, "/")
		cld.Config.API.UploadPrefix = prefix
		cld.Upload.Config.API.UploadPrefix = prefix
	}

	return &Cloudinary{cfg: cfg, cld: cld, newID: uuid.NewString}, nil
}

// Upload validates u and streams it to Cloudinary. Audio goes to the video
// endpoint, which is where Cloudinary keeps it.
func (c *Cloudinary) Upload(ctx context.Context, u Upload) (ir.MediaRef, error) {
	if err := Validate(u.MimeType, u.Size); err != nil {
		return ir.MediaRef{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body := &cappedReader{r: io.LimitReader(u.Body, MaxBytes+1)}
	res, err := c.cld.Upload.UnsignedUpload(ctx, body, c.cfg.UploadPreset, uploader.UploadParams{
		PublicID:     path.Base(c.cfg.Folder) + "_" + c.newID(),
		Folder:       c.cfg.Folder,
		Tags:         c.cfg.Tags,
		ResourceType: ResourceType(u.MimeType),
	})
	if body.n > MaxBytes {
		return ir.MediaRef{}, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, MaxBytes)
	}
	if err != nil {
		return ir.MediaRef{}, fmt.Errorf("upload media: %w", err)
	}
	if res.Error.Message != "" {
		return ir.MediaRef{}, fmt.Errorf("upload media: %s", res.Error.Message)
	}

	slog.Info("media uploaded",
		"public_id", res.PublicID,
		"resource_type", res.ResourceType,
		"bytes", res.Bytes,
	)

	return ir.MediaRef{
		ID:       res.PublicID,
		URL:      res.SecureURL,
		MimeType: BaseType(u.MimeType),
		Name:     u.Name,
		Bytes:    int64(res.Bytes),
		Width:    res.Width,
		Height:   res.Height,
		Duration: u.Duration.Milliseconds(),
	}, nil
}

// cappedReader fails once more than MaxBytes have been read.
type cappedReader struct {
	r io.Reader
	n int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > MaxBytes {
		return n, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, MaxBytes)
	}
	return n, err
}
