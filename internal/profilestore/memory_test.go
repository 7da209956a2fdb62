package profilestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_UpsertsOnTopicSubTopicCollision(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ids1, err := s.Add(ctx, "u1", []NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "plays guitar"}})
	require.NoError(t, err)
	require.Len(t, ids1, 1)

	ids2, err := s.Add(ctx, "u1", []NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "plays bass now"}})
	require.NoError(t, err)
	assert.Equal(t, ids1[0], ids2[0], "same (topic, sub_topic) must reuse the existing row id")

	entries, err := s.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "plays bass now", entries[0].Content)
}

func TestUpdate_MissingRowSilentlySkipped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	applied, err := s.Update(ctx, "u1", []ProfileUpdate{{ProfileID: "does-not-exist", Content: "x"}})
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestUpdate_BumpsUpdatedAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ids, err := s.Add(ctx, "u1", []NewProfile{{Topic: "career", SubTopic: "role", Content: "engineer"}})
	require.NoError(t, err)

	before, err := s.List(ctx, "u1", 0)
	require.NoError(t, err)

	applied, err := s.Update(ctx, "u1", []ProfileUpdate{{ProfileID: ids[0], Content: "senior engineer"}})
	require.NoError(t, err)
	assert.Equal(t, ids, applied)

	after, err := s.List(ctx, "u1", 0)
	require.NoError(t, err)
	assert.True(t, after[0].UpdatedAt.After(before[0].UpdatedAt))
	assert.Equal(t, "senior engineer", after[0].Content)
}

func TestDelete_ReturnsCountOfRemovedRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ids, err := s.Add(ctx, "u1", []NewProfile{
		{Topic: "hobbies", SubTopic: "music", Content: "a"},
		{Topic: "hobbies", SubTopic: "sports", Content: "b"},
	})
	require.NoError(t, err)

	count, err := s.Delete(ctx, "u1", append(ids, "not-a-real-id"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entries, err := s.List(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestList_OrderedByUpdatedAtDescending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Add(ctx, "u1", []NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "first"}})
	require.NoError(t, err)
	_, err = s.Add(ctx, "u1", []NewProfile{{Topic: "hobbies", SubTopic: "sports", Content: "second"}})
	require.NoError(t, err)

	entries, err := s.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Content)
	assert.Equal(t, "first", entries[1].Content)
}

func TestList_RespectsLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Add(ctx, "u1", []NewProfile{
		{Topic: "hobbies", SubTopic: "music", Content: "a"},
		{Topic: "hobbies", SubTopic: "sports", Content: "b"},
		{Topic: "career", SubTopic: "role", Content: "c"},
	})
	require.NoError(t, err)

	entries, err := s.List(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStore_IsolatesByUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Add(ctx, "u1", []NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "a"}})
	require.NoError(t, err)

	entries, err := s.List(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
