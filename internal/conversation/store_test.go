package conversation

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := db.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "conversations.db")}
	require.NoError(t, db.Migrate(log, cfg))
	conn, dialect, err := db.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewStore(log, conn, dialect)
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	ref := channel.ConversationRef{
		Channel:    "msteams",
		Surface:    channel.SurfaceChannel,
		Target:     "conversation:19:abc@thread.tacv2",
		ServiceURL: "https://smba.trafficmanager.net/amer/",
		TenantID:   "tenant",
		BotID:      "28:bot",
	}
	require.NoError(t, store.Save(ctx, "19:abc@thread.tacv2", ref))

	got, err := store.Get(ctx, "msteams", "19:abc@thread.tacv2")
	require.NoError(t, err)
	assert.Equal(t, "19:abc@thread.tacv2", got.ConversationID)
	assert.Equal(t, ref.ServiceURL, got.ServiceURL)
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = store.Get(ctx, "msteams", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, store.Save(ctx, " ", ref))
}

func TestSaveReplacesExisting(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := channel.ConversationRef{Channel: "feishu", Surface: channel.SurfaceGroup, Target: "chat_id:oc_1"}
	require.NoError(t, store.Save(ctx, "oc_1", base))
	base.MessageID = "om_2"
	require.NoError(t, store.Save(ctx, "oc_1", base))

	items, err := store.List(ctx, "feishu")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "om_2", items[0].MessageID)
}

func TestFindDirectPrefersNewestDM(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, "a:1", channel.ConversationRef{
		Channel: "msteams", Surface: channel.SurfaceDM, UserID: "29:user", UserAADObjectID: "aad-1", UpdatedAt: old,
	}))
	require.NoError(t, store.Save(ctx, "a:2", channel.ConversationRef{
		Channel: "msteams", Surface: channel.SurfaceDM, UserID: "29:user", UserAADObjectID: "aad-1", UpdatedAt: old.Add(time.Hour),
	}))
	require.NoError(t, store.Save(ctx, "19:group", channel.ConversationRef{
		Channel: "msteams", Surface: channel.SurfaceGroup, UserID: "29:user", UserAADObjectID: "aad-1", UpdatedAt: old.Add(2 * time.Hour),
	}))

	got, err := store.FindDirect(ctx, "msteams", "aad-1")
	require.NoError(t, err)
	assert.Equal(t, "a:2", got.ConversationID)

	_, err = store.FindDirect(ctx, "msteams", "29:nobody")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "msteams", "a:2"))
	got, err = store.FindDirect(ctx, "msteams", "aad-1")
	require.NoError(t, err)
	assert.Equal(t, "a:1", got.ConversationID)
}
