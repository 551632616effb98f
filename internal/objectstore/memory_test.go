package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryArchive_PutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	archive := NewMemoryArchive()

	mbox := []byte("From abc123 Mon Sep 17 00:00:00 2001\nSubject: [PATCH] fix\n")
	art, err := archive.Put(ctx, "subagent-patches/child-1.mbox", bytes.NewReader(mbox), "application/mbox")
	require.NoError(t, err)
	assert.NotEmpty(t, art.ETag)
	assert.Equal(t, int64(len(mbox)), art.Size)
	assert.False(t, art.ArchivedAt.IsZero())

	reader, got, err := archive.Get(ctx, "subagent-patches/child-1.mbox")
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, mbox, data)
	assert.Equal(t, "subagent-patches/child-1.mbox", got.Key)
	assert.Equal(t, "application/mbox", got.ContentType)
}

func TestMemoryArchive_PutOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	archive := NewMemoryArchive()

	_, err := archive.Put(ctx, "k", bytes.NewReader([]byte("first")), "")
	require.NoError(t, err)
	_, err = archive.Put(ctx, "k", bytes.NewReader([]byte("second")), "")
	require.NoError(t, err)

	reader, art, err := archive.Get(ctx, "k")
	require.NoError(t, err)
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	assert.Equal(t, []byte("second"), data)
	assert.Equal(t, int64(len("second")), art.Size)
}

func TestMemoryArchive_GetNotFound(t *testing.T) {
	t.Parallel()
	_, _, err := NewMemoryArchive().Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryArchive_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	archive := NewMemoryArchive()

	_, err := archive.Put(ctx, "to-delete", bytes.NewReader([]byte("data")), "")
	require.NoError(t, err)

	require.NoError(t, archive.Delete(ctx, "to-delete"))
	_, _, err = archive.Get(ctx, "to-delete")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, archive.Delete(ctx, "to-delete"))
}

func TestMemoryArchive_ListByPrefixInKeyOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	archive := NewMemoryArchive()

	for _, key := range []string{
		"subagent-patches/task-b.mbox",
		"subagent-patches/task-a.mbox",
		"other/task-c.mbox",
	} {
		_, err := archive.Put(ctx, key, bytes.NewReader([]byte("content")), "")
		require.NoError(t, err)
	}

	all, err := archive.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	patches, err := archive.List(ctx, "subagent-patches/")
	require.NoError(t, err)
	require.Len(t, patches, 2)
	assert.Equal(t, "subagent-patches/task-a.mbox", patches[0].Key)
	assert.Equal(t, "subagent-patches/task-b.mbox", patches[1].Key)
}
