// Package session implements the per-connection stream state machine:
// config merge, hotword resolution, frame chunking, and ordered decode
// dispatch (spec.md §3–§5).
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asrstream/gateway/internal/engine"
	"github.com/asrstream/gateway/internal/hotwords"
	"github.com/asrstream/gateway/internal/metrics"
	"github.com/asrstream/gateway/internal/protocol"
	"github.com/asrstream/gateway/internal/workerpool"
)

// Stride is the engine's streaming chunk granularity: 800 samples of
// 16-bit PCM (spec.md GLOSSARY "Chunk (stride)").
const Stride = 1600

const nonPCMDiagnostic = "ERROR. Real-time transcription service ONLY SUPPORT PCM stream."

// Config is the per-session recognized control-frame settings (spec.md §3),
// with documented defaults.
type Config struct {
	WavName      string
	WavFormat    string
	Mode         engine.Mode
	AudioFs      int
	Itn          bool
	SvsItn       bool
	SvsLang      string
	ChunkSize    [3]int
	ChunkSizeSet bool
}

// DefaultConfig mirrors the original binary's compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		WavName:   "wav-default-id",
		WavFormat: "pcm",
		Mode:      engine.ModeTwoPass,
		AudioFs:   16000,
		Itn:       true,
		SvsItn:    true,
		SvsLang:   "auto",
	}
}

// Session is all state owned by one live WebSocket connection
// (spec.md §3). Go has no reentrant mutex, so instead of one lock guarding
// everything, state is partitioned by exclusive owner:
//
//   - samples is touched only by the connection's read-loop goroutine
//     (AppendAudio, HandleControl) — never by a decode task.
//   - punc and lastMode are touched only inside decode closures, which
//     all run on this session's single lane, so they never race even
//     without a lock.
//   - everything else that both sides read (cfg, hotword state, engine
//     handles) is guarded by mu. Decode tasks hold it only for the
//     snapshot, never across inference; HandleControl holds it across the
//     hotword-resolution and online-init engine calls.
type Session struct {
	ID  string
	eng engine.Engine
	srv hotwords.ServerConfig
	log *slog.Logger
	// send delivers a reply frame to the client; nil/false return means
	// the channel is gone and the reply is discarded, never retried.
	send func([]byte) bool

	mu             sync.Mutex
	cfg            Config
	hotwordsEmbed  []float32
	fstHotwords    map[string]int
	decoderHandle  engine.Handle
	onlineHandle   engine.Handle
	finalScheduled bool

	eof       atomic.Bool
	accessNum atomic.Int64

	lane *workerpool.Lane

	samples []byte // io-goroutine owned

	punc     engine.PuncCache // lane owned
	lastMode string           // lane owned
}

// Open allocates a Session, creates its decoder handle, and assigns it a
// lane (spec.md §3 "Lifecycle": "open -> allocate Session, create decoder,
// assign lane").
func Open(ctx context.Context, id string, eng engine.Engine, pool *workerpool.DecoderPool, srv hotwords.ServerConfig, send func([]byte) bool, log *slog.Logger) (*Session, error) {
	decoder, err := eng.InitDecoder(ctx, engine.ModeTwoPass, srv.GlobalBeam, srv.LatticeBeam, srv.AmScale)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:            id,
		eng:           eng,
		srv:           srv,
		log:           log.With("session_id", id),
		send:          send,
		cfg:           DefaultConfig(),
		decoderHandle: decoder,
		lane:          pool.LaneFor(id),
		lastMode:      "2pass-offline",
	}
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	return s, nil
}

// HandleControl processes one text frame: config merge, hotword
// resolution, lazy online-handle init, and end-of-speech detection
// (spec.md §4.C, §4.G). It must be called only from the connection's
// single read-loop goroutine.
func (s *Session) HandleControl(ctx context.Context, raw []byte) {
	ctrl, err := protocol.ParseControl(raw)
	if err != nil {
		s.log.Warn("malformed control frame", "err", err)
		s.eof.Store(true)
		return
	}
	for _, field := range ctrl.Warnings {
		s.log.Warn("control frame field had unexpected type, ignored", "field", field)
	}

	var finalBuf []byte
	scheduleFinal := false

	s.mu.Lock()
	s.applyConfig(ctrl)

	if len(s.hotwordsEmbed) == 0 {
		s.resolveHotwords(ctx, ctrl)
	}

	if ctrl.ChunkSize != nil && s.onlineHandle == "" && s.cfg.Mode != engine.ModeOffline {
		handle, err := s.eng.InitOnline(ctx, s.decoderHandle, *ctrl.ChunkSize)
		if err != nil {
			s.log.Warn("invalid chunk_size, streaming session will accumulate without decoding", "err", err)
		} else {
			s.onlineHandle = handle
		}
	}

	hotwordsReady := len(s.hotwordsEmbed) > 0
	if ctrl.EndOfSpeech() && !s.eof.Load() && hotwordsReady && !s.finalScheduled {
		s.finalScheduled = true
		scheduleFinal = true
		finalBuf = s.samples
		s.samples = nil
	}
	s.mu.Unlock()

	if scheduleFinal {
		s.dispatch(finalBuf, true)
	}
}

// applyConfig merges only the fields present in ctrl, leaving the rest at
// their previous value (spec.md §3: all config fields are individually
// optional). Caller holds mu.
func (s *Session) applyConfig(ctrl *protocol.ControlMessage) {
	if ctrl.WavName != nil {
		s.cfg.WavName = *ctrl.WavName
	}
	if ctrl.WavFormat != nil {
		s.cfg.WavFormat = *ctrl.WavFormat
	}
	if ctrl.Mode != nil {
		switch *ctrl.Mode {
		case "offline":
			s.cfg.Mode = engine.ModeOffline
		case "online":
			s.cfg.Mode = engine.ModeOnline
		case "2pass":
			s.cfg.Mode = engine.ModeTwoPass
		}
	}
	if ctrl.AudioFs != nil {
		s.cfg.AudioFs = *ctrl.AudioFs
	}
	if ctrl.Itn != nil {
		s.cfg.Itn = *ctrl.Itn
	}
	if ctrl.SvsItn != nil {
		s.cfg.SvsItn = *ctrl.SvsItn
	}
	if ctrl.SvsLang != nil {
		s.cfg.SvsLang = *ctrl.SvsLang
	}
	if ctrl.ChunkSize != nil {
		s.cfg.ChunkSize = *ctrl.ChunkSize
		s.cfg.ChunkSizeSet = true
	}
}

// resolveHotwords runs the Hotword Resolver (spec.md §4.C). HandleControl
// calls it only while no embedding is set, so after one successful run it
// is not called again; a run whose embedding compile fails leaves the gate
// closed and the next control frame runs it again. Caller holds mu.
func (s *Session) resolveHotwords(ctx context.Context, ctrl *protocol.ControlMessage) {
	start := time.Now()
	defer func() { metrics.HotwordCompileDuration.Observe(time.Since(start).Seconds()) }()

	clientHotwords := ""
	if ctrl.Hotwords != nil {
		clientHotwords = *ctrl.Hotwords
	}
	fst, nnText := hotwords.Merge(s.srv.Hotwords, clientHotwords)

	if err := s.eng.LoadFSTHotwords(ctx, s.decoderHandle, s.srv.FstIncWts, fst); err != nil {
		s.log.Error("load fst hotwords failed", "err", err)
	}

	embedding, err := s.eng.CompileHotwords(ctx, nnText, s.cfg.Mode)
	if err != nil {
		s.log.Error("compile hotword embedding failed", "err", err)
		return
	}
	if len(embedding) == 0 {
		// The embedding's non-empty presence is the dispatch gate
		// (spec.md §3); guarantee it regardless of what the engine
		// returned for empty hotword text.
		embedding = []float32{0}
	}

	s.fstHotwords = fst
	s.hotwordsEmbed = embedding
}

// AppendAudio handles a binary frame (spec.md §4.D). Must be called only
// from the connection's single read-loop goroutine.
func (s *Session) AppendAudio(data []byte) {
	if s.eof.Load() {
		return
	}
	s.samples = append(s.samples, data...)

	s.mu.Lock()
	mode := s.cfg.Mode
	hotwordsReady := len(s.hotwordsEmbed) > 0
	onlineReady := s.onlineHandle != ""
	s.mu.Unlock()

	metrics.ChunksReceived.WithLabelValues(modeLabel(mode)).Inc()

	if mode == engine.ModeOffline {
		return // offline never slices; whole buffer waits for end-of-stream
	}
	if !hotwordsReady || !onlineReady {
		// Accumulate only: hotwords unresolved (spec.md §3), or chunk_size
		// never arrived / was invalid (spec.md B1) — nothing to decode yet.
		return
	}

	for len(s.samples) >= Stride {
		k := len(s.samples) / Stride
		n := k * Stride
		chunk := make([]byte, n)
		copy(chunk, s.samples[:n])
		s.samples = s.samples[n:]
		s.dispatch(chunk, false)
	}
}

func (s *Session) dispatch(buffer []byte, isFinal bool) {
	s.accessNum.Add(1)
	metrics.PendingBytes.Observe(float64(len(buffer)))
	s.lane.Post(func() {
		s.runDecode(buffer, isFinal)
	})
}

// runDecode is the Decode Dispatcher's posted closure (spec.md §4.E). It
// runs on this session's lane, so it never overlaps with another decode
// for the same session.
func (s *Session) runDecode(buffer []byte, isFinal bool) {
	defer s.accessNum.Add(-1)

	s.mu.Lock()
	eof := s.eof.Load()
	hotwordsReady := len(s.hotwordsEmbed) > 0
	if eof || !hotwordsReady {
		s.mu.Unlock()
		metrics.DecodeErrors.WithLabelValues("gated").Inc()
		return
	}
	cfg := s.cfg
	decoder := s.decoderHandle
	online := s.onlineHandle
	embedding := s.hotwordsEmbed
	s.mu.Unlock()

	ctx := context.Background()
	start := time.Now()
	defer func() { metrics.DecodeDuration.WithLabelValues(modeLabel(cfg.Mode)).Observe(time.Since(start).Seconds()) }()

	if cfg.Mode == engine.ModeOffline {
		s.runOffline(ctx, cfg, decoder, embedding, buffer)
		return
	}
	s.runStream(ctx, cfg, decoder, online, embedding, buffer, isFinal)
}

func (s *Session) runOffline(ctx context.Context, cfg Config, decoder engine.Handle, embedding []float32, buffer []byte) {
	result, err := s.eng.InferOffline(ctx, engine.OfflineRequest{
		Decoder:   decoder,
		Buffer:    buffer,
		Embedding: embedding,
		AudioFs:   cfg.AudioFs,
		WavFormat: cfg.WavFormat,
		Itn:       cfg.Itn,
		SvsLang:   cfg.SvsLang,
		SvsItn:    cfg.SvsItn,
	})
	if err != nil {
		s.log.Error("offline inference failed", "err", err)
		metrics.DecodeErrors.WithLabelValues("offline_infer").Inc()
		return
	}

	text := ""
	timestamp := ""
	stampSents := ""
	if result != nil {
		text = result.Text
		timestamp = result.Timestamp
		stampSents = result.StampSents
		s.eng.FreeResult(result)
	} else {
		s.log.Warn("engine returned no result for offline buffer")
	}

	// is_final is literally false in offline mode — a preserved source
	// quirk, not a bug in this rewrite (spec.md §9 Open Questions).
	s.sendReply(protocol.ReplyMessage{
		Text:       text,
		Mode:       "offline",
		WavName:    cfg.WavName,
		IsFinal:    false,
		Timestamp:  timestamp,
		StampSents: stampSents,
	})
}

func (s *Session) runStream(ctx context.Context, cfg Config, decoder, online engine.Handle, embedding []float32, buffer []byte, isFinal bool) {
	if !isFinal {
		s.inferAndSend(ctx, cfg, decoder, online, embedding, buffer, false)
		return
	}

	// Final flush: subdivide in stride-sized steps before the tail
	// (spec.md §4.D), each posted as its own non-final reply.
	for len(buffer) >= Stride && online != "" {
		chunk := buffer[:Stride]
		buffer = buffer[Stride:]
		s.inferAndSend(ctx, cfg, decoder, online, embedding, chunk, false)
	}

	if online == "" {
		// No online handle was ever created (e.g. invalid chunk_size) —
		// still answer the final frame rather than going silent
		// (spec.md B1), since a client waiting on is_final:true should
		// never hang.
		text := ""
		if !isPCM(cfg.WavFormat) {
			text = nonPCMDiagnostic
		}
		s.sendReply(protocol.ReplyMessage{
			Text:    text,
			Mode:    s.lastMode,
			WavName: cfg.WavName,
			IsFinal: true,
		})
		s.punc.Reset()
		s.eof.Store(true)
		return
	}

	if !isPCM(cfg.WavFormat) {
		// Streaming modes accept only PCM: the final answer for any other
		// format is the fixed diagnostic, whatever the engine would return.
		s.sendReply(protocol.ReplyMessage{Text: nonPCMDiagnostic, Mode: s.lastMode, WavName: cfg.WavName, IsFinal: true})
		s.punc.Reset()
		s.eof.Store(true)
		return
	}

	result, err := s.eng.InferStream(ctx, engine.StreamRequest{
		Online:    online,
		Decoder:   decoder,
		Buffer:    buffer,
		Punc:      &s.punc,
		IsFinal:   true,
		AudioFs:   cfg.AudioFs,
		WavFormat: cfg.WavFormat,
		AsrMode:   asrModeCode(cfg.Mode),
		Embedding: embedding,
		Itn:       cfg.Itn,
		SvsLang:   cfg.SvsLang,
		SvsItn:    cfg.SvsItn,
	})
	s.punc.Reset()

	if err != nil {
		s.log.Error("final stream inference failed", "err", err)
		metrics.DecodeErrors.WithLabelValues("stream_final").Inc()
	} else if result == nil {
		text := ""
		if !isPCM(cfg.WavFormat) {
			text = nonPCMDiagnostic
		}
		s.sendReply(protocol.ReplyMessage{Text: text, Mode: s.lastMode, WavName: cfg.WavName, IsFinal: true})
	} else {
		reply := s.formatStreamReply(result, cfg.WavName, true)
		s.eng.FreeResult(result)
		s.sendReply(reply)
	}
	s.eof.Store(true)
}

func (s *Session) inferAndSend(ctx context.Context, cfg Config, decoder, online engine.Handle, embedding []float32, buffer []byte, isFinal bool) {
	if online == "" {
		return // gate: dispatch only reaches here once online is set for non-final chunks
	}
	result, err := s.eng.InferStream(ctx, engine.StreamRequest{
		Online:    online,
		Decoder:   decoder,
		Buffer:    buffer,
		Punc:      &s.punc,
		IsFinal:   isFinal,
		AudioFs:   cfg.AudioFs,
		WavFormat: cfg.WavFormat,
		AsrMode:   asrModeCode(cfg.Mode),
		Embedding: embedding,
		Itn:       cfg.Itn,
		SvsLang:   cfg.SvsLang,
		SvsItn:    cfg.SvsItn,
	})
	if err != nil {
		s.log.Error("stream inference failed", "err", err)
		metrics.DecodeErrors.WithLabelValues("stream_infer").Inc()
		return
	}
	if result == nil {
		return // engine had nothing to say yet; not an error (spec.md §7)
	}
	reply := s.formatStreamReply(result, cfg.WavName, isFinal)
	s.eng.FreeResult(result)
	s.sendReply(reply)
}

// formatStreamReply implements the Result Formatter for online/2pass
// (spec.md §4.F): tpass text wins over online text when both are present
// in the same Result, and the mode tag tracks whichever field won. Caller
// runs on this session's lane, so lastMode needs no lock.
func (s *Session) formatStreamReply(result *engine.Result, wavName string, isFinal bool) protocol.ReplyMessage {
	text := ""
	if result.OnlineText != "" {
		text = result.OnlineText
		s.lastMode = "2pass-online"
	}
	if result.TpassText != "" {
		text = result.TpassText
		s.lastMode = "2pass-offline"
	}
	return protocol.ReplyMessage{
		Text:       text,
		Mode:       s.lastMode,
		WavName:    wavName,
		IsFinal:    isFinal,
		Timestamp:  result.Timestamp,
		StampSents: result.StampSents,
	}
}

func (s *Session) sendReply(reply protocol.ReplyMessage) {
	buf, err := reply.Encode()
	if err != nil {
		s.log.Error("encode reply failed", "err", err)
		return
	}
	if s.send == nil {
		return
	}
	s.send(buf) // discards silently if the channel is already gone
}

// Close marks the session terminal, waits up to 10 seconds for in-flight
// decode tasks to drain, then releases the engine handles, online first and
// decoder second (spec.md §3 I5, §4.B teardown order). Handles are released
// after the 10 seconds even if tasks are still in flight.
func (s *Session) Close(ctx context.Context) {
	s.eof.Store(true)

	deadline := time.Now().Add(10 * time.Second)
	for s.accessNum.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.mu.Lock()
	online := s.onlineHandle
	decoder := s.decoderHandle
	s.onlineHandle = ""
	s.decoderHandle = ""
	s.mu.Unlock()

	if online != "" {
		if err := s.eng.FreeOnline(ctx, online); err != nil {
			s.log.Warn("free online handle failed", "err", err)
		}
	}
	if decoder != "" {
		if err := s.eng.FreeDecoder(ctx, decoder); err != nil {
			s.log.Warn("free decoder handle failed", "err", err)
		}
	}
	metrics.SessionsActive.Dec()
}

// FSTHotwords returns the merged phrase->weight map loaded into the
// decoder, for introspection and tests.
func (s *Session) FSTHotwords() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fstHotwords
}

// HotwordsResolved reports whether the dispatch gate is open.
func (s *Session) HotwordsResolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hotwordsEmbed) > 0
}

func isPCM(wavFormat string) bool {
	return wavFormat == "pcm" || wavFormat == "PCM"
}

func asrModeCode(m engine.Mode) int {
	switch m {
	case engine.ModeOffline:
		return 0
	case engine.ModeOnline:
		return 1
	default:
		return 2
	}
}

func modeLabel(m engine.Mode) string {
	switch m {
	case engine.ModeOffline:
		return "offline"
	case engine.ModeOnline:
		return "online"
	default:
		return "2pass"
	}
}
