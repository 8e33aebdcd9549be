package chatlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/chatrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "logs", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndRecentNewestFirst(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := openTemp(t)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, Exchange{Sender: "a", Question: "hi", Answer: "welcome", Intent: "welcome", CreatedAt: base}))
	require.NoError(t, l.Record(ctx, Exchange{Sender: "a", Question: "pool?", Answer: "6am-10pm", Intent: "question", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, l.Record(ctx, Exchange{Sender: "b", Question: "bye", Answer: "thanks", Intent: "farewell", CreatedAt: base.Add(2 * time.Minute)}))

	got, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bye", got[0].Question)
	assert.Equal(t, "pool?", got[1].Question)
	assert.True(t, got[1].CreatedAt.Equal(base.Add(time.Minute)))
	assert.NotEmpty(t, got[0].ID)
}

func TestRecordAssignsIDAndTime(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := openTemp(t)
	require.NoError(t, l.Record(ctx, Exchange{Sender: "a", Question: "q", Answer: "a", Intent: "question"}))

	got, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].ID, 36)
	assert.WithinDuration(t, time.Now(), got[0].CreatedAt, time.Minute)
}

func TestReopenKeepsExchanges(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, Exchange{ID: "fixed", Sender: "a", Question: "q", Answer: "a", Intent: "question"}))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fixed", got[0].ID)

	assert.Error(t, l.Record(ctx, Exchange{ID: "fixed", Sender: "a", Question: "q", Answer: "a", Intent: "question"}))
}

func TestOpenRequiresPath(t *testing.T) {
	testlog.Start(t)
	_, err := Open(" ")
	assert.ErrorIs(t, err, ErrPathRequired)
}
