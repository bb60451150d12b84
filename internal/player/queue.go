package player

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/luciancaetano/kephaslink"
)

// Queue is the ordered list of tracks waiting to play. Positions are 1-based.
// It is safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	tracks []kephaslink.Track
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends tracks to the tail.
func (q *Queue) Push(tracks ...kephaslink.Track) {
	q.mu.Lock()
	q.tracks = append(q.tracks, tracks...)
	q.mu.Unlock()
}

// Shift removes and returns the head.
func (q *Queue) Shift() (kephaslink.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tracks) == 0 {
		return kephaslink.Track{}, false
	}
	t := q.tracks[0]
	q.tracks = slices.Delete(q.tracks, 0, 1)
	return t, true
}

// Remove removes and returns the track at position.
func (q *Queue) Remove(position int) (kephaslink.Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if position < 1 || position > len(q.tracks) {
		return kephaslink.Track{}, &kephaslink.IndexError{Position: position, Size: len(q.tracks)}
	}
	t := q.tracks[position-1]
	q.tracks = slices.Delete(q.tracks, position-1, position)
	return t, nil
}

// Insert places t so that it ends up at position. Size+1 appends.
func (q *Queue) Insert(position int, t kephaslink.Track) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if position < 1 || position > len(q.tracks)+1 {
		return &kephaslink.IndexError{Position: position, Size: len(q.tracks)}
	}
	q.tracks = slices.Insert(q.tracks, position-1, t)
	return nil
}

// Shuffle randomizes the order of the queued tracks.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	rand.Shuffle(len(q.tracks), func(i, j int) {
		q.tracks[i], q.tracks[j] = q.tracks[j], q.tracks[i]
	})
	q.mu.Unlock()
}

// Clear removes every track.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.tracks = nil
	q.mu.Unlock()
}

// Set replaces the contents with a copy of tracks.
func (q *Queue) Set(tracks []kephaslink.Track) {
	q.mu.Lock()
	q.tracks = slices.Clone(tracks)
	q.mu.Unlock()
}

// All returns a copy of the contents.
func (q *Queue) All() []kephaslink.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.tracks)
}

// Size returns the number of queued tracks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

var _ kephaslink.Queue = (*Queue)(nil)
