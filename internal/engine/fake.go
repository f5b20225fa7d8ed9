package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fake is a deterministic in-memory Engine used by tests and as the
// gateway's default backend when no external engine URL is configured, so
// the service is runnable without a live ASR deployment. It never performs
// real recognition: offline and final text is derived from the buffer
// length so callers can assert on shape (non-empty iff buffer non-empty)
// without depending on audio content; non-final streaming text is derived
// from a call counter and is always non-empty.
type Fake struct {
	mu      sync.Mutex
	decoded int64

	// OnlineEvery controls how often a non-final InferStream call populates
	// TpassText instead of OnlineText, in any mode: the Fake counts every
	// inference call (offline, non-final and final alike), and a non-final
	// call whose count is a multiple of OnlineEvery returns tpass text; the
	// rest return online text. Defaults to 3 if zero.
	OnlineEvery int
}

var nextFakeHandle int64

func newFakeHandle(prefix string) Handle {
	id := atomic.AddInt64(&nextFakeHandle, 1)
	return Handle(fmt.Sprintf("%s-%d", prefix, id))
}

func (f *Fake) InitDecoder(ctx context.Context, mode Mode, globalBeam, latticeBeam, amScale float64) (Handle, error) {
	return newFakeHandle("decoder"), nil
}

func (f *Fake) InitOnline(ctx context.Context, decoder Handle, chunkSize [3]int) (Handle, error) {
	if chunkSize[1] == 0 {
		return "", fmt.Errorf("init online: chunk_size middle value must be non-zero, got %v", chunkSize)
	}
	return newFakeHandle("online"), nil
}

func (f *Fake) CompileHotwords(ctx context.Context, nnText string, mode Mode) ([]float32, error) {
	// Always non-empty, even for an empty nnText: a session's gate on
	// "hotwords resolved" is presence, not content (spec.md §3).
	return []float32{float32(len(nnText))}, nil
}

func (f *Fake) LoadFSTHotwords(ctx context.Context, decoder Handle, incWeight int, fst map[string]int) error {
	return nil
}

func (f *Fake) InferOffline(ctx context.Context, req OfflineRequest) (*Result, error) {
	atomic.AddInt64(&f.decoded, 1)
	text := ""
	if len(req.Buffer) > 0 {
		text = fmt.Sprintf("offline transcript (%d bytes)", len(req.Buffer))
	}
	return &Result{Text: text}, nil
}

func (f *Fake) InferStream(ctx context.Context, req StreamRequest) (*Result, error) {
	atomic.AddInt64(&f.decoded, 1)

	if req.IsFinal {
		text := ""
		if len(req.Buffer) > 0 {
			text = fmt.Sprintf("final transcript (%d bytes)", len(req.Buffer))
		}
		return &Result{TpassText: text}, nil
	}

	every := f.OnlineEvery
	if every <= 0 {
		every = 3
	}
	n := atomic.LoadInt64(&f.decoded)
	if n%int64(every) == 0 {
		return &Result{TpassText: fmt.Sprintf("corrected chunk %d", n)}, nil
	}
	return &Result{OnlineText: fmt.Sprintf("partial chunk %d", n)}, nil
}

func (f *Fake) FreeResult(*Result) {}

func (f *Fake) FreeDecoder(ctx context.Context, h Handle) error { return nil }

func (f *Fake) FreeOnline(ctx context.Context, h Handle) error { return nil }
