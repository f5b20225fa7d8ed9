// Package workerpool implements the two event-loop pools of spec.md §4.H:
// a decoder pool of fixed, ordered lanes, and an I/O pool bounding
// concurrently active connections.
package workerpool

import (
	"fmt"
	"hash/fnv"

	"github.com/asrstream/gateway/internal/metrics"
)

// Lane is a single-goroutine worker loop: tasks posted to it run strictly
// one at a time, in posting order. Pinning a session to one lane for its
// lifetime is what gives decode ordering (spec.md I1/P1) without a
// per-session queue or lock.
type Lane struct {
	name  string
	tasks chan func()
}

func newLane(name string, queueDepth int) *Lane {
	l := &Lane{name: name, tasks: make(chan func(), queueDepth)}
	go l.run()
	return l
}

func (l *Lane) run() {
	for task := range l.tasks {
		metrics.LaneQueueDepth.WithLabelValues(l.name).Set(float64(len(l.tasks)))
		task()
	}
}

// Post enqueues a task on this lane. It blocks if the lane's queue is full,
// which is the back-pressure the dispatcher relies on (spec.md §4.E): the
// posting connection's read loop waits, so no frame is dropped and further
// frames stay unread on the connection until the queue has room.
func (l *Lane) Post(task func()) {
	l.tasks <- task
	metrics.LaneQueueDepth.WithLabelValues(l.name).Set(float64(len(l.tasks)))
}

// DecoderPool is N_dec fixed lanes. Sessions are assigned a lane by a
// stable hash of their session ID, so the assignment never changes for the
// life of the session (spec.md §4.H: "stable for the life of the session").
type DecoderPool struct {
	lanes []*Lane
}

// NewDecoderPool starts n lanes, each buffering up to queueDepth pending
// decode tasks before Post blocks.
func NewDecoderPool(n, queueDepth int) *DecoderPool {
	if n < 1 {
		n = 1
	}
	p := &DecoderPool{lanes: make([]*Lane, n)}
	for i := range p.lanes {
		p.lanes[i] = newLane(laneName(i), queueDepth)
	}
	return p
}

// LaneFor returns the stable lane for a session ID.
func (p *DecoderPool) LaneFor(sessionID string) *Lane {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	idx := int(h.Sum32()) % len(p.lanes)
	if idx < 0 {
		idx += len(p.lanes)
	}
	return p.lanes[idx]
}

func laneName(i int) string {
	return fmt.Sprintf("lane-%d", i)
}
