// Package config loads the server configuration from a CUE file checked
// against an embedded schema.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource []byte

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalJSON parses strings such as "250ms" or "1m30s".
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Retry is a bounded exponential backoff policy.
type Retry struct {
	MaxRetries      int      `json:"max_retries"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
}

type Server struct {
	Listen         string   `json:"listen"`
	ReadTimeout    Duration `json:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout"`
	PingInterval   Duration `json:"ping_interval"`
	OutboundBuffer int      `json:"outbound_buffer"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type Store struct {
	Path string `json:"path"`
}

type Fanout struct {
	Retry
	HistoryLimit int `json:"history_limit"`
}

type Quota struct {
	Limit  int      `json:"limit"`
	Window Duration `json:"window"`
}

type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

type NATS struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
}

// Bus selects how change events travel between server instances.
type Bus struct {
	Kind  string `json:"kind"`
	Redis Redis  `json:"redis"`
	NATS  NATS   `json:"nats"`
}

// Identity configures bearer token verification. Static maps fixed
// tokens to user IDs and is meant for development.
type Identity struct {
	Secret string            `json:"secret"`
	Issuer string            `json:"issuer"`
	Leeway Duration          `json:"leeway"`
	Static map[string]string `json:"static"`
}

type Media struct {
	BaseURL      string   `json:"base_url"`
	CloudName    string   `json:"cloud_name"`
	UploadPreset string   `json:"upload_preset"`
	Folder       string   `json:"folder"`
	Tags         []string `json:"tags"`
	Timeout      Duration `json:"timeout"`
}

// Enabled reports whether uploads are configured.
func (m Media) Enabled() bool {
	return m.CloudName != "" && m.UploadPreset != ""
}

// Config is the complete server configuration.
type Config struct {
	Server    Server   `json:"server"`
	Store     Store    `json:"store"`
	Allocator Retry    `json:"allocator"`
	Fanout    Fanout   `json:"fanout"`
	Quota     Quota    `json:"quota"`
	Bus       Bus      `json:"bus"`
	Identity  Identity `json:"identity"`
	Media     Media    `json:"media"`
}

// Error is a configuration error with the CUE source position, if known.
type Error struct {
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Default returns the schema defaults.
func Default() (*Config, error) {
	return Parse("", nil)
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse checks src against the schema, fills defaults and decodes the
// result. filename is used in error positions only. JSON is accepted
// since it is valid CUE.
func Parse(filename string, src []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	if filename == "" {
		filename = "config.cue"
	}
	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(user)

	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks rules that span sections.
func (c *Config) Validate() error {
	var errs []error
	switch c.Bus.Kind {
	case "redis":
		if c.Bus.Redis.Addr == "" {
			errs = append(errs, errors.New("bus.redis.addr is required when bus.kind is redis"))
		}
	case "nats":
		if c.Bus.NATS.URL == "" {
			errs = append(errs, errors.New("bus.nats.url is required when bus.kind is nats"))
		}
	}
	if c.Identity.Secret != "" && len(c.Identity.Secret) < 16 {
		errs = append(errs, errors.New("identity.secret must be at least 16 bytes"))
	}
	if (c.Media.CloudName == "") != (c.Media.UploadPreset == "") {
		errs = append(errs, errors.New("media.cloud_name and media.upload_preset must be set together"))
	}
	for _, r := range []struct {
		name string
		r    Retry
	}{{"allocator", c.Allocator}, {"fanout", c.Fanout.Retry}} {
		if r.r.InitialInterval > r.r.MaxInterval {
			errs = append(errs, fmt.Errorf("%s.initial_interval exceeds max_interval", r.name))
		}
	}
	return errors.Join(errs...)
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	e := &Error{Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		e.Pos = pos[0]
	}
	return e
}
