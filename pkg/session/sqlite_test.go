package session

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "realestate_agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackend_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	b := openTestSQLite(t)

	require.NoError(t, b.Init(ctx, "u1"))
	require.NoError(t, b.Init(ctx, "u1"))

	user := UserMessage("Can you email me about apartments?")
	user.Metadata = map[string]interface{}{"category": "email"}
	require.NoError(t, b.AppendTurn(ctx, "u1", user, AssistantMessage("Subject: Apartments")))
	require.NoError(t, b.AppendTurn(ctx, "u1", UserMessage("thanks"), AssistantMessage("you're welcome")))

	msgs, err := b.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Can you email me about apartments?", msgs[0].Content)
	assert.Equal(t, "email", msgs[0].Metadata["category"])
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.False(t, msgs[1].Timestamp.IsZero())
	assert.Equal(t, "you're welcome", msgs[3].Content)

	keys, err := b.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, keys)
}

func TestSQLiteBackend_CancelledTurnWritesNothing(t *testing.T) {
	b := openTestSQLite(t)
	require.NoError(t, b.Init(context.Background(), "u1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.AppendTurn(ctx, "u1", UserMessage("q"), AssistantMessage("a"))
	assert.Error(t, err)

	msgs, err := b.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	b, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, b.Init(ctx, "u2"))
	require.NoError(t, b.AppendTurn(ctx, "u2", UserMessage("near downtown"), AssistantMessage("three listings")))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Load(ctx, "u2")
	assert.ErrorIs(t, err, ErrClosed)

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.Load(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestStoreOverSQLite(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestSQLite(t))

	h, err := store.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, h.AppendTurn(ctx, UserMessage("q"), AssistantMessage("a")))

	again, err := store.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	msgs, err := again.Messages(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSQLiteBackend_CorruptMetadataIsLoggedAndDropped(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	ctx := context.Background()
	b := openTestSQLite(t)
	require.NoError(t, b.Init(ctx, "u1"))

	_, err := b.db.Exec(
		`INSERT INTO messages (session_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		"u1", RoleUser, "Show me condos downtown", "{not json", time.Now().UTC().Format(time.RFC3339Nano),
	)
	require.NoError(t, err)

	msgs, err := b.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Show me condos downtown", msgs[0].Content)
	assert.Nil(t, msgs[0].Metadata)
	assert.Contains(t, buf.String(), "Failed to parse message metadata")
	assert.Contains(t, buf.String(), `"session_key":"u1"`)
}
