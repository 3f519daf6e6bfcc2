package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/machinecore/machine/internal/proto"
)

func TestCacheRoundTrip(t *testing.T) {
	convo, err := NewConversations(t.TempDir())
	require.NoError(t, err)

	const id = "df31ae23ab8b75b5643c2f846c570997edc71333"
	messages := []proto.Message{
		{Role: proto.RoleUser, Content: "what is the weather in Oslo?"},
		{Role: proto.RoleAssistant, Content: "Sunny, 22C."},
	}

	require.NoError(t, convo.Write(id, messages))

	var got []proto.Message
	require.NoError(t, convo.Read(id, &got))
	require.Equal(t, messages, got)

	require.NoError(t, convo.Delete(id))
	require.Error(t, convo.Read(id, &got))
}

func TestCacheShardsConversations(t *testing.T) {
	dir := t.TempDir()
	convo, err := NewConversations(dir)
	require.NoError(t, err)

	const id = "df31ae23ab8b75b5643c2f846c570997edc71333"
	require.NoError(t, convo.Write(id, []proto.Message{{Role: proto.RoleUser, Content: "hi"}}))

	_, err = os.Stat(filepath.Join(dir, string(ConversationCache), id[:2], id+cacheExt))
	require.NoError(t, err)
}

func TestCacheReadsFlatLayout(t *testing.T) {
	dir := t.TempDir()
	convo, err := NewConversations(dir)
	require.NoError(t, err)

	const id = "df31ae23ab8b75b5643c2f846c570997edc71333"
	flat := filepath.Join(dir, string(ConversationCache), id+cacheExt)
	require.NoError(t, os.WriteFile(flat, []byte(`[{"role":"user","content":"hi"}]`), 0o600))

	var got []proto.Message
	require.NoError(t, convo.Read(id, &got))
	require.Len(t, got, 1)

	require.NoError(t, convo.Delete(id))
}

func TestCacheRejectsEmptyID(t *testing.T) {
	c, err := New[int](t.TempDir(), TemporaryCache)
	require.NoError(t, err)

	var v int
	require.Error(t, c.Read("", &v))
	require.Error(t, c.Write("", 1))
	require.Error(t, c.Delete(""))
}
