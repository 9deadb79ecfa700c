package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.Append(ctx, Entry{CreatedAt: base, Action: ActionWarning, AuthorID: "u1", ChannelID: "c", Rule: "be nice", Severity: "low", Count: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = s.Append(ctx, Entry{CreatedAt: base.Add(time.Minute), Action: ActionTimeout, AuthorID: "u1", Count: 4, Detail: "2m"})
	require.NoError(t, err)
	_, err = s.Append(ctx, Entry{CreatedAt: base.Add(2 * time.Minute), Action: ActionWarning, AuthorID: "u2", Count: 1})
	require.NoError(t, err)

	all, err := s.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "u2", all[0].AuthorID)
	assert.Equal(t, ActionTimeout, all[1].Action)
	assert.Equal(t, "2m", all[1].Detail)
	assert.True(t, all[2].CreatedAt.Equal(base))
	assert.Equal(t, "be nice", all[2].Rule)

	byAuthor, err := s.List(ctx, ListParams{AuthorID: "u1", Action: ActionWarning})
	require.NoError(t, err)
	require.Len(t, byAuthor, 1)
	assert.Equal(t, first.ID, byAuthor[0].ID)

	limited, err := s.List(ctx, ListParams{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAppend_RequiresActionAndAuthor(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), Entry{AuthorID: "u1"})
	assert.Error(t, err)
	_, err = s.Append(context.Background(), Entry{Action: ActionReset})
	assert.Error(t, err)
}

func TestOpen_ReopensExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	_, err = s.Append(context.Background(), Entry{Action: ActionReset, AuthorID: "u1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.List(context.Background(), ListParams{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
