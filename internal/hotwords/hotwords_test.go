package hotwords

import (
	"strings"
	"testing"
)

func TestMergeClientWinsServerFillsGaps(t *testing.T) {
	server := map[string]int{"阿里巴巴": 10, "淘宝": 5}
	fst, nn := Merge(server, `{"阿里巴巴":20}`)

	if fst["阿里巴巴"] != 20 {
		t.Fatalf("client entry overwritten: got %d, want 20", fst["阿里巴巴"])
	}
	if fst["淘宝"] != 5 {
		t.Fatalf("server-only entry missing: got %d, want 5", fst["淘宝"])
	}
	if !strings.Contains(nn, "阿里巴巴") || !strings.Contains(nn, "淘宝") {
		t.Fatalf("nn text missing merged keys: %q", nn)
	}
}

func TestMergeFreeTextHotwords(t *testing.T) {
	server := map[string]int{"淘宝": 5}
	fst, nn := Merge(server, "人工智能 语音识别")

	if len(fst) != 1 || fst["淘宝"] != 5 {
		t.Fatalf("expected only server map when client text isn't a JSON object, got %v", fst)
	}
	if !strings.Contains(nn, "人工智能 语音识别") {
		t.Fatalf("expected client free text preserved in nn text, got %q", nn)
	}
}

func TestMergeZeroWeightAccepted(t *testing.T) {
	fst, _ := Merge(nil, `{"阿里巴巴":0}`)
	w, ok := fst["阿里巴巴"]
	if !ok {
		t.Fatalf("zero-weight hotword was dropped")
	}
	if w != 0 {
		t.Fatalf("got weight %d, want 0", w)
	}
}

func TestMergeIdempotent(t *testing.T) {
	server := map[string]int{"淘宝": 5}
	fst1, nn1 := Merge(server, `{"阿里巴巴":20}`)
	fst2, nn2 := Merge(server, `{"阿里巴巴":20}`)

	if len(fst1) != len(fst2) || fst1["阿里巴巴"] != fst2["阿里巴巴"] || fst1["淘宝"] != fst2["淘宝"] {
		t.Fatalf("merge not idempotent: %v vs %v", fst1, fst2)
	}
	if nn1 != nn2 {
		t.Fatalf("nn text not stable across identical calls: %q vs %q", nn1, nn2)
	}
}

func TestMergeEmptyClientHotwords(t *testing.T) {
	server := map[string]int{"淘宝": 5}
	fst, nn := Merge(server, "")
	if len(fst) != 1 || fst["淘宝"] != 5 {
		t.Fatalf("expected passthrough of server map, got %v", fst)
	}
	if strings.TrimSpace(nn) != "淘宝" {
		t.Fatalf("expected nn text to be just the server key, got %q", nn)
	}
}
