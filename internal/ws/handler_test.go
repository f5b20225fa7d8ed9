package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asrstream/gateway/internal/engine"
	"github.com/asrstream/gateway/internal/hotwords"
	"github.com/asrstream/gateway/internal/workerpool"
)

func testServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	decoderPool := workerpool.NewDecoderPool(2, 32)
	ioPool := workerpool.NewIOPool(8)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(&engine.Fake{}, decoderPool, ioPool, hotwords.DefaultServerConfig(), log)

	srv := httptest.NewServer(h)
	return srv, srv.Close
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

type reply struct {
	Text    string `json:"text"`
	Mode    string `json:"mode"`
	WavName string `json:"wav_name"`
	IsFinal bool   `json:"is_final"`
}

func readReply(t *testing.T, conn *websocket.Conn) reply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("unmarshal reply %s: %v", data, err)
	}
	return r
}

// End-to-end scenario 1: offline, single WAV.
func TestE2EOfflineSingleWAV(t *testing.T) {
	srv, closeFn := testServer(t)
	defer closeFn()
	conn := dial(t, srv)
	defer conn.Close()

	send(t, conn, `{"mode":"offline","wav_name":"a","wav_format":"pcm","audio_fs":16000,"itn":true}`)
	sendBinary(t, conn, make([]byte, 32000))
	send(t, conn, `{"is_speaking":false}`)

	r := readReply(t, conn)
	if r.Mode != "offline" || r.WavName != "a" || r.IsFinal != false {
		t.Fatalf("unexpected offline reply: %+v", r)
	}
}

// End-to-end scenario 3: non-PCM streaming diagnostic.
func TestE2ENonPCMDiagnostic(t *testing.T) {
	srv, closeFn := testServer(t)
	defer closeFn()
	conn := dial(t, srv)
	defer conn.Close()

	send(t, conn, `{"mode":"2pass","wav_format":"mp3","chunk_size":[5,10,5]}`)
	sendBinary(t, conn, make([]byte, 1024))
	send(t, conn, `{"is_speaking":false}`)

	r := readReply(t, conn)
	if !r.IsFinal || r.Text != "ERROR. Real-time transcription service ONLY SUPPORT PCM stream." {
		t.Fatalf("unexpected diagnostic reply: %+v", r)
	}
}

// End-to-end scenario 2: 2pass streaming with FST hotwords. At least one
// streaming reply arrives with mode in {2pass-online, 2pass-offline}, and
// a final reply with is_final:true ends the stream (reading stops at it).
func TestE2ETwoPassStreamingWithHotwords(t *testing.T) {
	srv, closeFn := testServer(t)
	defer closeFn()
	conn := dial(t, srv)
	defer conn.Close()

	send(t, conn, `{"mode":"2pass","wav_format":"pcm","audio_fs":16000,"chunk_size":[5,10,5],"hotwords":"{\"阿里巴巴\":20}"}`)
	sendBinary(t, conn, make([]byte, 3200))
	sendBinary(t, conn, make([]byte, 3200))
	send(t, conn, `{"is_speaking":false}`)

	var sawStreaming, sawFinal bool
	for i := 0; i < 10 && !sawFinal; i++ {
		r := readReply(t, conn)
		if r.Mode == "2pass-online" || r.Mode == "2pass-offline" {
			sawStreaming = true
		}
		if r.IsFinal {
			sawFinal = true
		}
	}
	if !sawStreaming {
		t.Fatalf("expected at least one 2pass-online/2pass-offline reply during streaming")
	}
	if !sawFinal {
		t.Fatalf("expected an is_final:true reply at the end")
	}
}

// End-to-end scenario 5, reduced: two concurrent offline sessions each
// receive their own single reply, never the other session's; interleaving
// between sessions is unconstrained (spec.md §8 scenario 5).
func TestE2ETwoSessionsIndependentOrdering(t *testing.T) {
	srv, closeFn := testServer(t)
	defer closeFn()

	connA := dial(t, srv)
	defer connA.Close()
	connB := dial(t, srv)
	defer connB.Close()

	send(t, connA, `{"mode":"offline","wav_name":"client-a"}`)
	send(t, connB, `{"mode":"offline","wav_name":"client-b"}`)

	sendBinary(t, connA, make([]byte, 1600))
	sendBinary(t, connB, make([]byte, 3200))

	send(t, connA, `{"is_speaking":false}`)
	send(t, connB, `{"is_speaking":false}`)

	rA := readReply(t, connA)
	rB := readReply(t, connB)
	if rA.WavName != "client-a" || rB.WavName != "client-b" {
		t.Fatalf("replies crossed sessions: a=%+v b=%+v", rA, rB)
	}
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write text: %v", err)
	}
}

func sendBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}
