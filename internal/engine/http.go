package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// HTTPEngine is the production Engine Facade: it delegates every operation
// to an external ASR inference service over pooled HTTP connections,
// grounded on the same request-building style as a whisper.cpp-backed
// client — multipart POST for audio buffers, JSON for everything else.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngine creates an HTTPEngine pointed at an external engine service.
func NewHTTPEngine(baseURL string, poolSize int) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		client:  newPooledHTTPClient(poolSize, 30*time.Second),
	}
}

func (e *HTTPEngine) InitDecoder(ctx context.Context, mode Mode, globalBeam, latticeBeam, amScale float64) (Handle, error) {
	var resp struct {
		Handle string `json:"handle"`
	}
	body := map[string]any{
		"mode":         int(mode),
		"global_beam":  globalBeam,
		"lattice_beam": latticeBeam,
		"am_scale":     amScale,
	}
	if err := e.postJSON(ctx, "/decoder/init", body, &resp); err != nil {
		return "", fmt.Errorf("init decoder: %w", err)
	}
	return Handle(resp.Handle), nil
}

func (e *HTTPEngine) InitOnline(ctx context.Context, decoder Handle, chunkSize [3]int) (Handle, error) {
	if chunkSize[1] == 0 {
		return "", fmt.Errorf("init online: chunk_size middle value must be non-zero, got %v", chunkSize)
	}
	var resp struct {
		Handle string `json:"handle"`
	}
	body := map[string]any{
		"decoder":    string(decoder),
		"chunk_size": chunkSize,
	}
	if err := e.postJSON(ctx, "/online/init", body, &resp); err != nil {
		return "", fmt.Errorf("init online: %w", err)
	}
	return Handle(resp.Handle), nil
}

func (e *HTTPEngine) CompileHotwords(ctx context.Context, nnText string, mode Mode) ([]float32, error) {
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	body := map[string]any{"text": nnText, "mode": int(mode)}
	if err := e.postJSON(ctx, "/hotwords/compile", body, &resp); err != nil {
		return nil, fmt.Errorf("compile hotwords: %w", err)
	}
	return resp.Embedding, nil
}

func (e *HTTPEngine) LoadFSTHotwords(ctx context.Context, decoder Handle, incWeight int, fst map[string]int) error {
	body := map[string]any{
		"decoder":    string(decoder),
		"inc_weight": incWeight,
		"hotwords":   fst,
	}
	if err := e.postJSON(ctx, "/hotwords/load", body, nil); err != nil {
		return fmt.Errorf("load fst hotwords: %w", err)
	}
	return nil
}

func (e *HTTPEngine) InferOffline(ctx context.Context, req OfflineRequest) (*Result, error) {
	fields := map[string]string{
		"decoder":    string(req.Decoder),
		"audio_fs":   strconv.Itoa(req.AudioFs),
		"wav_format": req.WavFormat,
		"itn":        strconv.FormatBool(req.Itn),
		"svs_lang":   req.SvsLang,
		"svs_itn":    strconv.FormatBool(req.SvsItn),
	}
	return e.inferMultipart(ctx, "/infer/offline", req.Buffer, fields)
}

func (e *HTTPEngine) InferStream(ctx context.Context, req StreamRequest) (*Result, error) {
	var p0, p1 string
	if req.Punc != nil {
		p0, p1 = req.Punc[0], req.Punc[1]
	}
	fields := map[string]string{
		"online":     string(req.Online),
		"decoder":    string(req.Decoder),
		"is_final":   strconv.FormatBool(req.IsFinal),
		"audio_fs":   strconv.Itoa(req.AudioFs),
		"wav_format": req.WavFormat,
		"asr_mode":   strconv.Itoa(req.AsrMode),
		"itn":        strconv.FormatBool(req.Itn),
		"svs_lang":   req.SvsLang,
		"svs_itn":    strconv.FormatBool(req.SvsItn),
		"punc_cache_0": p0,
		"punc_cache_1": p1,
	}
	return e.inferMultipart(ctx, "/infer/stream", req.Buffer, fields)
}

func (e *HTTPEngine) FreeResult(*Result) {
	// Result is a plain Go value with no engine-side handle to release;
	// the call exists so callers can follow the facade's free-every-result
	// discipline (spec.md P5) uniformly across implementations.
}

func (e *HTTPEngine) FreeDecoder(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	return e.postJSON(ctx, "/decoder/free", map[string]any{"decoder": string(h)}, nil)
}

func (e *HTTPEngine) FreeOnline(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	return e.postJSON(ctx, "/online/free", map[string]any{"online": string(h)}, nil)
}

func (e *HTTPEngine) postJSON(ctx context.Context, path string, body any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("engine status %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *HTTPEngine) inferMultipart(ctx context.Context, path string, buffer []byte, fields map[string]string) (*Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := writer.CreateFormFile("buffer", "audio.pcm")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(buffer); err != nil {
		return nil, fmt.Errorf("write buffer: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("infer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil // engine explicitly returned no result
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("infer status %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode infer response: %w", err)
	}
	return &result, nil
}
