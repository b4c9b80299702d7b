package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"docsage-go/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func transcript(sid string) model.Transcript {
	return model.Transcript{
		SessionID: sid,
		Query:     "what is " + sid,
		Answer:    "answer " + sid,
		Citations: []model.Citation{{DocumentID: "d1", FileName: "a.txt"}},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestTranscriptAppendAndGet(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	repo := NewTranscriptRepository(rdb, time.Hour, 10)

	want := transcript("s1")
	require.NoError(t, repo.Append(ctx, want))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, want.Query, got.Query)
	assert.Equal(t, want.Citations, got.Citations)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	_, err = repo.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrTranscriptNotFound)
}

func TestTranscriptIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	repo := NewTranscriptRepository(rdb, time.Hour, 10)

	require.NoError(t, repo.Append(ctx, transcript("s1")))
	changed := transcript("s1")
	changed.Answer = "rewritten"
	assert.Error(t, repo.Append(ctx, changed))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "answer s1", got.Answer)
}

func TestTranscriptRecentIsBounded(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	repo := NewTranscriptRepository(rdb, time.Hour, 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, transcript(fmt.Sprintf("s%d", i))))
	}

	recent, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "s4", recent[0].SessionID)
	assert.Equal(t, "s2", recent[2].SessionID)

	n, err := rdb.LLen(ctx, recentTranscriptsKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestTranscriptRetentionExpiresEntries(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	repo := NewTranscriptRepository(rdb, time.Minute, 10)

	require.NoError(t, repo.Append(ctx, transcript("old")))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, repo.Append(ctx, transcript("new")))

	_, err := repo.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrTranscriptNotFound)

	recent, err := repo.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].SessionID)
}

func TestTranscriptRequiresSessionID(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewTranscriptRepository(rdb, 0, 0)
	assert.Error(t, repo.Append(context.Background(), model.Transcript{Query: "q"}))
}
