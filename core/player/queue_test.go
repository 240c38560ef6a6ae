package player

import (
	"math/rand"
	"sort"
	"testing"

	"QFMBot/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c", "b"} {
		q.Add(track(id, id))
	}

	var got []string
	for {
		tr, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, tr.Identifier)
	}
	assert.Equal(t, []string{"a", "b", "c", "b"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestQueueShuffleIsPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 2; n < 30; n++ {
		q := NewQueue()
		var before []string
		for i := 0; i < n; i++ {
			id := string(rune('a' + i%5)) // duplicates on purpose
			q.Add(track(id, id))
			before = append(before, id)
		}

		require.NoError(t, q.Shuffle(rng))

		var after []string
		for _, tr := range q.Snapshot() {
			after = append(after, tr.Identifier)
		}
		require.Len(t, after, n)
		sort.Strings(before)
		sort.Strings(after)
		assert.Equal(t, before, after)
	}
}

func TestQueueShuffleTooShort(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	empty := NewQueue()
	assert.Error(t, empty.Shuffle(rng))
	assert.Equal(t, 0, empty.Len())

	one := NewQueue(track("a", "a"))
	assert.Error(t, one.Shuffle(rng))
	assert.Equal(t, []model.Track{track("a", "a")}, one.Snapshot())
}

func TestQueueRemoveAndJump(t *testing.T) {
	q := NewQueue(track("a", "a"), track("b", "b"), track("c", "c"), track("d", "d"))

	removed, err := q.Remove(1)
	require.NoError(t, err)
	assert.Equal(t, "b", removed.Identifier)

	_, err = q.Remove(10)
	assert.Error(t, err)
	assert.Equal(t, 3, q.Len())

	require.NoError(t, q.Jump(1))
	head, _ := q.At(0)
	assert.Equal(t, "c", head.Identifier)
	assert.Error(t, q.Jump(5))
}

func TestQueueRemoveByRequester(t *testing.T) {
	alice := model.Requester{ID: "1", Username: "alice"}
	bob := model.Requester{ID: "2", Username: "bob"}
	q := NewQueue(
		track("a", "a").WithRequester(alice),
		track("b", "b").WithRequester(bob),
		track("c", "c").WithRequester(alice),
	)

	assert.Equal(t, 2, q.RemoveByRequester("1"))
	require.Equal(t, 1, q.Len())
	head, _ := q.At(0)
	assert.Equal(t, "b", head.Identifier)
}
