// Package protocol decodes and encodes the WebSocket control/reply JSON
// exchanged with streaming clients.
package protocol

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ControlMessage is a client -> server text frame. Every field is a pointer
// so the session can tell "absent" apart from "zero value" instead of
// unmarshaling into a struct with silent defaults.
type ControlMessage struct {
	Mode       *string
	WavName    *string
	WavFormat  *string
	AudioFs    *int
	ChunkSize  *[3]int
	Itn        *bool
	SvsItn     *bool
	SvsLang    *string
	Hotwords   *string
	IsSpeaking *bool
	IsFinished *bool

	// Warnings holds one entry per recognized key whose value had the wrong
	// JSON type; the key is skipped rather than applied.
	Warnings []string
}

// EndOfSpeech reports whether this message signals end of input, per
// spec.md §6: is_speaking:false or is_finished:true.
func (m *ControlMessage) EndOfSpeech() bool {
	if m.IsSpeaking != nil && !*m.IsSpeaking {
		return true
	}
	if m.IsFinished != nil && *m.IsFinished {
		return true
	}
	return false
}

// ParseControl parses a text frame. It rejects payloads that are not a JSON
// object outright (spec.md §7 "Malformed control JSON"); for a well-formed
// object it tolerates unknown keys and logs (via Warnings) any recognized
// key whose type doesn't match, rather than failing the whole message.
func ParseControl(raw []byte) (*ControlMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("protocol: invalid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("protocol: control frame is not a JSON object")
	}

	m := &ControlMessage{}

	if v := root.Get("mode"); v.Exists() {
		if v.Type == gjson.String {
			s := v.String()
			m.Mode = &s
		} else {
			m.warn("mode")
		}
	}
	if v := root.Get("wav_name"); v.Exists() {
		if v.Type == gjson.String {
			s := v.String()
			m.WavName = &s
		} else {
			m.warn("wav_name")
		}
	}
	if v := root.Get("wav_format"); v.Exists() {
		if v.Type == gjson.String {
			s := v.String()
			m.WavFormat = &s
		} else {
			m.warn("wav_format")
		}
	}
	if v := root.Get("audio_fs"); v.Exists() {
		if v.Type == gjson.Number {
			n := int(v.Int())
			m.AudioFs = &n
		} else {
			m.warn("audio_fs")
		}
	}
	if v := root.Get("itn"); v.Exists() {
		if v.Type == gjson.True || v.Type == gjson.False {
			b := v.Bool()
			m.Itn = &b
		} else {
			m.warn("itn")
		}
	}
	if v := root.Get("svs_itn"); v.Exists() {
		if v.Type == gjson.True || v.Type == gjson.False {
			b := v.Bool()
			m.SvsItn = &b
		} else {
			m.warn("svs_itn")
		}
	}
	if v := root.Get("svs_lang"); v.Exists() {
		if v.Type == gjson.String {
			s := v.String()
			m.SvsLang = &s
		} else {
			m.warn("svs_lang")
		}
	}
	if v := root.Get("hotwords"); v.Exists() {
		if v.Type == gjson.String {
			s := v.String()
			m.Hotwords = &s
		} else {
			m.warn("hotwords")
		}
	}
	if v := root.Get("is_speaking"); v.Exists() {
		if v.Type == gjson.True || v.Type == gjson.False {
			b := v.Bool()
			m.IsSpeaking = &b
		} else {
			m.warn("is_speaking")
		}
	}
	if v := root.Get("is_finished"); v.Exists() {
		if v.Type == gjson.True || v.Type == gjson.False {
			b := v.Bool()
			m.IsFinished = &b
		} else {
			m.warn("is_finished")
		}
	}
	if v := root.Get("chunk_size"); v.Exists() {
		if v.IsArray() {
			arr := v.Array()
			if len(arr) == 3 {
				var cs [3]int
				ok := true
				for i, e := range arr {
					if e.Type != gjson.Number {
						ok = false
						break
					}
					cs[i] = int(e.Int())
				}
				if ok {
					m.ChunkSize = &cs
				} else {
					m.warn("chunk_size")
				}
			} else {
				m.warn("chunk_size")
			}
		} else {
			m.warn("chunk_size")
		}
	}

	return m, nil
}

func (m *ControlMessage) warn(field string) {
	m.Warnings = append(m.Warnings, field)
}

// ReplyMessage is a server -> client text frame (spec.md §6).
type ReplyMessage struct {
	Text        string
	Mode        string
	WavName     string
	IsFinal     bool
	Timestamp   string // omitted if empty
	StampSents  string // raw JSON array from the engine — omitted if empty
}

// Encode builds the reply JSON, field by field, via sjson rather than
// marshaling a struct with omitempty: StampSents is a pre-serialized JSON
// value (array or empty string) and must be spliced in raw, not re-quoted.
// A non-empty StampSents that is not valid JSON is sent as "".
func (r ReplyMessage) Encode() ([]byte, error) {
	var err error
	buf := []byte("{}")
	buf, err = sjson.SetBytes(buf, "text", r.Text)
	if err != nil {
		return nil, err
	}
	buf, err = sjson.SetBytes(buf, "mode", r.Mode)
	if err != nil {
		return nil, err
	}
	buf, err = sjson.SetBytes(buf, "wav_name", r.WavName)
	if err != nil {
		return nil, err
	}
	buf, err = sjson.SetBytes(buf, "is_final", r.IsFinal)
	if err != nil {
		return nil, err
	}
	if r.Timestamp != "" {
		buf, err = sjson.SetBytes(buf, "timestamp", r.Timestamp)
		if err != nil {
			return nil, err
		}
	}
	if r.StampSents != "" {
		if gjson.Valid(r.StampSents) {
			buf, err = sjson.SetRawBytes(buf, "stamp_sents", []byte(r.StampSents))
		} else {
			buf, err = sjson.SetBytes(buf, "stamp_sents", "")
		}
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}
