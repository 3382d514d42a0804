package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.MaxSegments)
	assert.Equal(t, datasize.MB, cfg.ChunkSize)
	assert.Equal(t, 64*datasize.KB, cfg.SmallFileSize)
	assert.Equal(t, 20*datasize.MB, cfg.PartialShareMinSize)
	assert.Equal(t, 10*time.Minute, cfg.SourceCooldown)
	assert.True(t, cfg.SegmentedDownloads)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSAllowedOrigins)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarmq.yaml")
	content := []byte(`
port: "9000"
max_segments: 3
chunk_size: 4MB
small_file_size: 128KB
source_cooldown: 30s
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 3, cfg.MaxSegments)
	assert.Equal(t, 4*datasize.MB, cfg.ChunkSize)
	assert.Equal(t, 128*datasize.KB, cfg.SmallFileSize)
	assert.Equal(t, 30*time.Second, cfg.SourceCooldown)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_segments: 0\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
