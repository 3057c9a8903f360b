package service

import (
	"context"
	"math"
	"testing"
	"time"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_Lifecycle(t *testing.T) {
	p := foxProvider(t)
	store := NewSessionStore(time.Minute, nil)
	var active []int
	store.OnChange(func(n int) { active = append(active, n) })
	ctx := context.Background()

	snap := store.Create(p)
	_, err := uuid.Parse(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "fox", snap.Model)
	assert.Equal(t, int64(0), snap.N)
	assert.Equal(t, perplexity.MaxPerplexity, snap.Perplexity)
	assert.Equal(t, 1, store.Len())

	snap, err = store.Add(ctx, snap.ID, "The quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.N)
	assert.InDelta(t, math.Sqrt2, snap.Perplexity, 1e-12)

	snap, err = store.AddNGrams(snap.ID, []ngram.NGram{{"quick", "brown", "cat"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.N)
	assert.InDelta(t, 2*math.Log10(0.5), snap.Log10Probs, 1e-12)

	got, err := store.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.N, got.N)

	snap, err = store.Reset(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.N)

	require.NoError(t, store.Delete(snap.ID))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, []int{1, 0}, active)

	_, err = store.Get(snap.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Add(ctx, snap.ID, "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Reset(snap.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.Delete(snap.ID), ErrSessionNotFound)
}

func TestSessionStore_SessionsAreIndependent(t *testing.T) {
	p := foxProvider(t)
	store := NewSessionStore(0, nil)
	ctx := context.Background()

	a := store.Create(p)
	b := store.Create(p)
	assert.NotEqual(t, a.ID, b.ID)

	_, err := store.Add(ctx, a.ID, "The quick brown fox")
	require.NoError(t, err)

	got, err := store.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.N)

	// the provider's shared evaluator is untouched as well
	assert.Equal(t, perplexity.MaxPerplexity, p.CurrentPerplexity())
}

func TestSessionStore_AddError(t *testing.T) {
	p := foxProvider(t)
	store := NewSessionStore(0, nil)
	snap := store.Create(p)

	_, err := store.AddNGrams(snap.ID, []ngram.NGram{{"The", "quick", "brown"}, {"a", "b", "c", "d"}})
	assert.ErrorIs(t, err, perplexity.ErrNGramTooLong)

	// the n-gram before the failure stays added
	got, err := store.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.N)
}

func TestSessionStore_Sweep(t *testing.T) {
	p := foxProvider(t)
	store := NewSessionStore(10*time.Minute, nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	idle := store.Create(p)
	busy := store.Create(p)

	now = now.Add(8 * time.Minute)
	_, err := store.Reset(busy.ID)
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 1, store.Sweep())

	_, err = store.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(busy.ID)
	assert.NoError(t, err)

	assert.Equal(t, 0, NewSessionStore(0, nil).Sweep())
}

func TestSessionStore_RunStops(t *testing.T) {
	store := NewSessionStore(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
