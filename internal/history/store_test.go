package history

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurshawn/secret-chat-app/internal/chat"
)

func textMessage(t *testing.T, sender, text string) chat.Message {
	t.Helper()
	msg, err := chat.NewTextMessage(sender, text)
	require.NoError(t, err)
	return msg
}

// backends runs fn against every Backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("file", func(t *testing.T) { fn(t, NewFileBackend(t.TempDir())) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryBackend()) })
}

func TestKey(t *testing.T) {
	assert.Equal(t, "chat_history_vault-7", Key("vault-7"))
}

func TestLoad_Empty(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		msgs := NewStore(b).Load("vault-7")
		assert.NotNil(t, msgs)
		assert.Empty(t, msgs)
	})
}

func TestAppendThenLoad(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		store := NewStore(b)
		want := []chat.Message{
			textMessage(t, "Ghost", "one"),
			textMessage(t, "Echo", "two"),
			textMessage(t, "Ghost", "three"),
		}
		for _, m := range want {
			require.NoError(t, store.Append("vault-7", m))
		}

		assert.Equal(t, want, store.Load("vault-7"))
		assert.Equal(t, want, NewStore(b).Load("vault-7"), "a fresh store reads the persisted list")
	})
}

// failingBackend rejects writes while failSet is true.
type failingBackend struct {
	*MemoryBackend
	failSet bool
}

func (b *failingBackend) Set(key string, data []byte) error {
	if b.failSet {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Set(key, data)
}

func TestAppend_FailedWriteIsNotKept(t *testing.T) {
	b := &failingBackend{MemoryBackend: NewMemoryBackend()}
	store := NewStore(b)
	first := textMessage(t, "Ghost", "one")
	lost := textMessage(t, "Ghost", "lost")
	second := textMessage(t, "Ghost", "two")

	require.NoError(t, store.Append("vault-7", first))
	b.failSet = true
	require.Error(t, store.Append("vault-7", lost))
	b.failSet = false
	require.NoError(t, store.Append("vault-7", second))

	assert.Equal(t, []chat.Message{first, second}, store.Load("vault-7"))
}

func TestAppend_KeepsDuplicates(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	m := textMessage(t, "Ghost", "again")

	require.NoError(t, store.Append("r", m))
	require.NoError(t, store.Append("r", m))
	assert.Len(t, store.Load("r"), 2)
}

func TestAppend_AfterLoadUsesExistingHistory(t *testing.T) {
	b := NewMemoryBackend()
	first := textMessage(t, "a", "first")
	require.NoError(t, NewStore(b).Append("r", first))

	store := NewStore(b)
	second := textMessage(t, "b", "second")
	require.NoError(t, store.Append("r", second), "append without a prior load")

	assert.Equal(t, []chat.Message{first, second}, store.Load("r"))
}

func TestClear_OnlyAffectsRoom(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		store := NewStore(b)
		keep := textMessage(t, "Ghost", "keep me")
		require.NoError(t, store.Append("vault-7", textMessage(t, "Ghost", "burn")))
		require.NoError(t, store.Append("vault-8", keep))

		require.NoError(t, store.Clear("vault-7"))

		assert.Empty(t, store.Load("vault-7"))
		assert.Equal(t, []chat.Message{keep}, store.Load("vault-8"))
		assert.Empty(t, NewStore(b).Load("vault-7"))
	})
}

func TestClear_Missing(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		assert.NoError(t, NewStore(b).Clear("never-used"))
	})
}

func TestLoad_CorruptData(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Set(Key("vault-7"), []byte("{not json")))

	store := NewStore(b)
	msgs := store.Load("vault-7")
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	m := textMessage(t, "Ghost", "fresh start")
	require.NoError(t, store.Append("vault-7", m))
	assert.Equal(t, []chat.Message{m}, NewStore(b).Load("vault-7"))
}

func TestFileBackend_EscapesKeys(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir)

	require.NoError(t, b.Set(Key("../../etc/passwd"), []byte("[]")))
	require.NoError(t, b.Set(Key("a/b c"), []byte("[]")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "both keys land inside the directory")

	_, err = os.Stat(filepath.Join(dir, "..", "..", "etc", "passwd.json"))
	assert.True(t, os.IsNotExist(err))

	got, err := b.Get(Key("a/b c"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(got))
}

func TestFileBackend_NotFound(t *testing.T) {
	_, err := NewFileBackend(t.TempDir()).Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
