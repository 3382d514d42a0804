package storage

import (
	"errors"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueStoreWriteKeepsBackup(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewQueueStore(fs, "/data/queue.bencode")
	require.NoError(t, err)

	_, err = s.Read()
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, s.Write([]byte("one")))
	require.NoError(t, s.Write([]byte("two")))

	data, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	backup, err := s.ReadBackup()
	require.NoError(t, err)
	assert.Equal(t, "one", string(backup))

	exists, _ := afero.Exists(fs, "/data/queue.bencode.tmp")
	assert.False(t, exists)
}

func TestFileStoreMove(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs)
	require.NoError(t, afero.WriteFile(fs, "/tmp/a.part", []byte("payload"), 0644))

	require.NoError(t, s.Move("/tmp/a.part", "/done/music/a.mp3"))
	assert.False(t, s.Exists("/tmp/a.part"))

	data, err := afero.ReadFile(fs, "/done/music/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	assert.Error(t, s.Move("/tmp/missing", "/done/x"))
}

func TestFileStoreCreateAndRemove(t *testing.T) {
	s := NewFileStore(afero.NewMemMapFs())
	require.NoError(t, s.CreateEmpty("/dl/empty.txt"))
	assert.True(t, s.Exists("/dl/empty.txt"))

	require.NoError(t, s.Remove("/dl/empty.txt"))
	require.NoError(t, s.Remove("/dl/empty.txt"))
	assert.False(t, s.Exists("/dl/empty.txt"))
}
