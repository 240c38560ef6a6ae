package player

import (
	"fmt"
	"math/rand"

	"QFMBot/model"
)

// Queue is the FIFO list of pending tracks for one guild. It is not safe for
// concurrent use; Player guards it with its own lock.
type Queue struct {
	tracks []model.Track
}

func NewQueue(tracks ...model.Track) *Queue {
	q := &Queue{}
	q.Add(tracks...)
	return q
}

// Add appends tracks to the tail. Duplicates are allowed.
func (q *Queue) Add(tracks ...model.Track) {
	q.tracks = append(q.tracks, tracks...)
}

// AddFront puts a track at the head.
func (q *Queue) AddFront(t model.Track) {
	q.tracks = append([]model.Track{t}, q.tracks...)
}

// Pop removes and returns the head.
func (q *Queue) Pop() (model.Track, bool) {
	if len(q.tracks) == 0 {
		return model.Track{}, false
	}
	t := q.tracks[0]
	q.tracks[0] = model.Track{}
	q.tracks = q.tracks[1:]
	return t, true
}

func (q *Queue) Len() int { return len(q.tracks) }

func (q *Queue) At(index int) (model.Track, error) {
	if index < 0 || index >= len(q.tracks) {
		return model.Track{}, fmt.Errorf("index %d out of range [0,%d)", index, len(q.tracks))
	}
	return q.tracks[index], nil
}

// Remove deletes the track at index.
func (q *Queue) Remove(index int) (model.Track, error) {
	t, err := q.At(index)
	if err != nil {
		return model.Track{}, err
	}
	q.tracks = append(q.tracks[:index], q.tracks[index+1:]...)
	return t, nil
}

// RemoveByRequester strips every track queued by userID and returns how many were removed.
func (q *Queue) RemoveByRequester(userID string) int {
	kept := q.tracks[:0]
	removed := 0
	for _, t := range q.tracks {
		if t.Requester.ID == userID {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.tracks); i++ {
		q.tracks[i] = model.Track{}
	}
	q.tracks = kept
	return removed
}

// Jump drops every track before index so that index becomes the head.
func (q *Queue) Jump(index int) error {
	if _, err := q.At(index); err != nil {
		return err
	}
	q.tracks = append([]model.Track(nil), q.tracks[index:]...)
	return nil
}

func (q *Queue) Clear() {
	q.tracks = nil
}

// Snapshot returns a copy of the pending tracks.
func (q *Queue) Snapshot() []model.Track {
	out := make([]model.Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}

// Shuffle permutes the queue in place with Fisher-Yates. Fewer than two
// tracks is rejected and leaves the queue untouched.
func (q *Queue) Shuffle(rng *rand.Rand) error {
	n := len(q.tracks)
	if n < 2 {
		return fmt.Errorf("need at least 2 tracks to shuffle, have %d", n)
	}
	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		q.tracks[i], q.tracks[j] = q.tracks[j], q.tracks[i]
	}
	return nil
}
