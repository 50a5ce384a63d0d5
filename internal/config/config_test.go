package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, 256, cfg.Server.OutboundBuffer)
	assert.Equal(t, "convsync.db", cfg.Store.Path)
	assert.Equal(t, 8, cfg.Allocator.MaxRetries)
	assert.Equal(t, 2*time.Millisecond, cfg.Allocator.InitialInterval.Std())
	assert.Equal(t, 3, cfg.Fanout.MaxRetries)
	assert.Equal(t, 50, cfg.Fanout.HistoryLimit)
	assert.Equal(t, 0, cfg.Quota.Limit)
	assert.Equal(t, "local", cfg.Bus.Kind)
	assert.Equal(t, "convsync.events", cfg.Bus.Redis.Channel)
	assert.Equal(t, []string{"chat"}, cfg.Media.Tags)
	assert.False(t, cfg.Media.Enabled())
}

func TestParse_Overrides(t *testing.T) {
	src := `
server: listen: "127.0.0.1:9000"
allocator: {
	max_retries: 2
	initial_interval: "1ms"
	max_interval: "10ms"
}
fanout: history_limit: 20
quota: {limit: 30, window: "1m30s"}
bus: {
	kind: "redis"
	redis: addr: "localhost:6379"
}
identity: static: "dev-token": "alice"
media: {cloud_name: "demo", upload_preset: "chat"}
`
	cfg, err := Parse("convsync.cue", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 2, cfg.Allocator.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Allocator.MaxInterval.Std())
	assert.Equal(t, 3, cfg.Fanout.MaxRetries, "unset fields keep defaults")
	assert.Equal(t, 20, cfg.Fanout.HistoryLimit)
	assert.Equal(t, 90*time.Second, cfg.Quota.Window.Std())
	assert.Equal(t, "localhost:6379", cfg.Bus.Redis.Addr)
	assert.Equal(t, "alice", cfg.Identity.Static["dev-token"])
	assert.True(t, cfg.Media.Enabled())
}

func TestParse_AcceptsJSON(t *testing.T) {
	cfg, err := Parse("convsync.json", []byte(`{"store": {"path": "/var/lib/convsync.db"}}`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/convsync.db", cfg.Store.Path)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown field", `server: port: 80`, "port"},
		{"bad duration", `server: read_timeout: "soon"`, "read_timeout"},
		{"out of range", `fanout: history_limit: 0`, "history_limit"},
		{"bad bus kind", `bus: kind: "kafka"`, "kind"},
		{"redis without addr", `bus: kind: "redis"`, "bus.redis.addr"},
		{"nats without url", `bus: kind: "nats"`, "bus.nats.url"},
		{"short secret", `identity: secret: "short"`, "16 bytes"},
		{"half media", `media: cloud_name: "demo"`, "set together"},
		{"inverted retry", `allocator: {initial_interval: "1s", max_interval: "1ms"}`, "allocator.initial_interval"},
		{"syntax", `server: {`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("convsync.cue", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_ErrorHasPosition(t *testing.T) {
	_, err := Parse("convsync.cue", []byte("\nserver: outbound_buffer: \"big\"\n"))
	require.Error(t, err)

	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, cfgErr.Pos.IsValid())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convsync.cue")
	require.NoError(t, os.WriteFile(path, []byte(`store: path: "chat.db"`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.db", cfg.Store.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
