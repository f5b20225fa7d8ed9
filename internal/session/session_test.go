package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/asrstream/gateway/internal/engine"
	"github.com/asrstream/gateway/internal/hotwords"
	"github.com/asrstream/gateway/internal/workerpool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu    sync.Mutex
	msgs  [][]byte
	ready chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ready: make(chan struct{}, 64)}
}

func (r *recorder) send(b []byte) bool {
	r.mu.Lock()
	cp := append([]byte(nil), b...)
	r.msgs = append(r.msgs, cp)
	r.mu.Unlock()
	r.ready <- struct{}{}
	return true
}

func (r *recorder) waitFor(n int, t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		got := len(r.msgs)
		r.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-r.ready:
		case <-deadline:
			t.Fatalf("timed out waiting for %d replies, got %d", n, got)
		}
	}
}

func (r *recorder) messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func newTestSession(t *testing.T, eng engine.Engine) (*Session, *recorder) {
	t.Helper()
	pool := workerpool.NewDecoderPool(2, 16)
	rec := newRecorder()
	s, err := Open(context.Background(), "sess-1", eng, pool, hotwords.DefaultServerConfig(), rec.send, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, rec
}

// Scenario 1: offline, single WAV.
func TestOfflineSingleWAV(t *testing.T) {
	s, rec := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	s.HandleControl(context.Background(), []byte(`{"mode":"offline","wav_name":"a","wav_format":"pcm","audio_fs":16000,"itn":true}`))
	s.AppendAudio(make([]byte, 32000))
	s.HandleControl(context.Background(), []byte(`{"is_speaking":false}`))

	rec.waitFor(1, t)
	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(msgs))
	}
	body := string(msgs[0])
	if !containsAll(body, `"mode":"offline"`, `"wav_name":"a"`, `"is_final":false`) {
		t.Fatalf("unexpected offline reply: %s", body)
	}
}

// Scenario 3: non-PCM streaming diagnostic.
func TestNonPCMStreamingDiagnostic(t *testing.T) {
	s, rec := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	s.HandleControl(context.Background(), []byte(`{"mode":"2pass","wav_format":"mp3","chunk_size":[5,10,5]}`))
	s.AppendAudio(make([]byte, 1024))
	s.HandleControl(context.Background(), []byte(`{"is_speaking":false}`))

	rec.waitFor(1, t)
	last := rec.messages()
	body := string(last[len(last)-1])
	if !containsAll(body, `ERROR. Real-time transcription service ONLY SUPPORT PCM stream.`, `"is_final":true`) {
		t.Fatalf("expected non-pcm diagnostic final, got: %s", body)
	}
}

// Scenario 4: malformed control JSON.
func TestMalformedControlJSON(t *testing.T) {
	s, rec := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	s.HandleControl(context.Background(), []byte(`not json`))
	s.AppendAudio(make([]byte, 3200))
	s.HandleControl(context.Background(), []byte(`{"is_speaking":false}`))

	time.Sleep(50 * time.Millisecond)
	if len(rec.messages()) != 0 {
		t.Fatalf("expected no replies after malformed control frame, got %d", len(rec.messages()))
	}
}

// B1: chunk_size with a zero middle value never creates an online handle;
// audio accumulates and the final reply still arrives.
func TestInvalidChunkSizeMiddleZero(t *testing.T) {
	s, rec := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	s.HandleControl(context.Background(), []byte(`{"mode":"2pass","wav_format":"pcm","chunk_size":[5,0,5]}`))
	s.AppendAudio(make([]byte, 4800))
	s.HandleControl(context.Background(), []byte(`{"is_speaking":false}`))

	rec.waitFor(1, t)
	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one final reply, got %d", len(msgs))
	}
	if !containsAll(string(msgs[0]), `"text":""`, `"is_final":true`) {
		t.Fatalf("expected empty-text final reply, got %s", msgs[0])
	}
}

// B3: FST hotwords JSON with weight 0 is accepted and loaded.
func TestZeroWeightHotwordAccepted(t *testing.T) {
	s, _ := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	s.HandleControl(context.Background(), []byte(`{"hotwords":"{\"阿里巴巴\":0}"}`))
	if !s.HotwordsResolved() {
		t.Fatalf("expected hotwords to resolve")
	}
	w, ok := s.FSTHotwords()["阿里巴巴"]
	if !ok || w != 0 {
		t.Fatalf("expected zero-weight hotword preserved, got %v ok=%v", w, ok)
	}
}

// R1: sending the same control JSON twice before any audio is idempotent.
func TestRepeatedControlIdempotent(t *testing.T) {
	s, _ := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	msg := []byte(`{"mode":"2pass","hotwords":"{\"阿里巴巴\":20}"}`)
	s.HandleControl(context.Background(), msg)
	first := s.FSTHotwords()["阿里巴巴"]
	s.HandleControl(context.Background(), msg)
	second := s.FSTHotwords()["阿里巴巴"]

	if first != second || first != 20 {
		t.Fatalf("expected stable hotword weight across repeats, got %d then %d", first, second)
	}
}

// R2: a second is_speaking:false after the first is a no-op.
func TestRepeatedEndOfSpeechIsNoop(t *testing.T) {
	s, rec := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	s.HandleControl(context.Background(), []byte(`{"mode":"offline"}`))
	s.AppendAudio([]byte{1, 2, 3, 4})
	s.HandleControl(context.Background(), []byte(`{"is_speaking":false}`))
	rec.waitFor(1, t)
	s.HandleControl(context.Background(), []byte(`{"is_speaking":false}`))
	s.HandleControl(context.Background(), []byte(`{"is_finished":true}`))

	time.Sleep(50 * time.Millisecond)
	if len(rec.messages()) != 1 {
		t.Fatalf("expected exactly one reply despite repeated end-of-speech, got %d", len(rec.messages()))
	}
}

// B2: zero-byte final flush in 2pass PCM yields one is_final:true reply
// with empty text.
func TestZeroByteFinalFlush(t *testing.T) {
	s, rec := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	s.HandleControl(context.Background(), []byte(`{"mode":"2pass","wav_format":"pcm","chunk_size":[5,10,5]}`))
	s.HandleControl(context.Background(), []byte(`{"is_speaking":false}`))

	rec.waitFor(1, t)
	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(msgs))
	}
	if !containsAll(string(msgs[0]), `"text":""`, `"is_final":true`) {
		t.Fatalf("unexpected zero-byte final reply: %s", msgs[0])
	}
}

// P4: len(samples) after a binary frame is (old_len + frame_len) mod S.
func TestStrideRemainderInvariant(t *testing.T) {
	s, _ := newTestSession(t, &engine.Fake{})
	defer s.Close(context.Background())

	s.HandleControl(context.Background(), []byte(`{"mode":"2pass","chunk_size":[5,10,5]}`))
	s.AppendAudio(make([]byte, 2200))
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	remainder := len(s.samples)
	s.mu.Unlock()

	want := 2200 % Stride
	if remainder != want {
		t.Fatalf("expected remainder %d, got %d", want, remainder)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !containsOne(s, sub) {
			return false
		}
	}
	return true
}

func containsOne(s, sub string) bool {
	return len(sub) == 0 || indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
