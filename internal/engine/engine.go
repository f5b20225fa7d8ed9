// Package engine defines the Engine Facade: the opaque ASR backend contract
// consumed by a session. The engine itself is explicitly out of scope
// (spec.md §1) — this package only models the handles and calls a session
// needs, plus one HTTP-backed implementation and one in-memory fake.
package engine

import "context"

// Mode is the recognition mode requested for a session.
type Mode int

const (
	ModeOffline Mode = iota
	ModeOnline
	ModeTwoPass
)

// Handle is an opaque reference to engine-side state (a decoder, an online
// stream, or nothing). The facade never interprets it; it only passes it
// back on later calls for the same session.
type Handle string

// PuncCache is the two-slot rolling punctuation context carried between
// streaming decode calls for one session (spec.md §3 "punc_cache"), reset
// on final flush.
type PuncCache [2]string

// Reset clears both slots, matching "reset on final flush" (spec.md §3).
func (c *PuncCache) Reset() {
	c[0], c[1] = "", ""
}

// OfflineRequest is the input to InferOffline.
type OfflineRequest struct {
	Decoder   Handle
	Buffer    []byte
	Embedding []float32
	AudioFs   int
	WavFormat string
	Itn       bool
	SvsLang   string
	SvsItn    bool
}

// StreamRequest is the input to InferStream. AsrMode follows spec.md §4.A's
// asr_mode ∈ {0,1,2}: 0 = offline-only pass within 2pass, 1 = online, 2 = tpass.
type StreamRequest struct {
	Online    Handle
	Decoder   Handle
	Buffer    []byte
	Punc      *PuncCache
	IsFinal   bool
	AudioFs   int
	WavFormat string
	AsrMode   int
	Embedding []float32
	Itn       bool
	SvsLang   string
	SvsItn    bool
}

// Result holds every field the engine may populate. A field left empty by
// the engine is a valid outcome, not an error (spec.md §4.A: "may each
// return an empty string").
type Result struct {
	Text       string `json:"text"` // offline text
	OnlineText string `json:"online_text"`
	TpassText  string `json:"tpass_text"`
	Timestamp  string `json:"timestamp"`
	StampSents string `json:"stamp_sents"` // raw JSON array text, or ""
}

// Engine is the facade a Session drives. It is safe for concurrent use
// across sessions but not reentrant on the same Handle — the caller (the
// decode dispatcher) is responsible for serializing calls per session.
type Engine interface {
	InitDecoder(ctx context.Context, mode Mode, globalBeam, latticeBeam, amScale float64) (Handle, error)
	// InitOnline fails if chunkSize[1] == 0 (spec.md §4.A).
	InitOnline(ctx context.Context, decoder Handle, chunkSize [3]int) (Handle, error)
	// CompileHotwords is pure and safe to call concurrently with other
	// sessions (spec.md §4.A).
	CompileHotwords(ctx context.Context, nnText string, mode Mode) ([]float32, error)
	LoadFSTHotwords(ctx context.Context, decoder Handle, incWeight int, fst map[string]int) error

	InferOffline(ctx context.Context, req OfflineRequest) (*Result, error)
	InferStream(ctx context.Context, req StreamRequest) (*Result, error)

	FreeResult(*Result)
	FreeDecoder(ctx context.Context, h Handle) error
	FreeOnline(ctx context.Context, h Handle) error
}
