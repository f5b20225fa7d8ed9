// Package hotwords merges server-global and client-supplied hotword
// biasing into the FST weight map and NN free-text form the engine expects.
package hotwords

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// ServerConfig is the process-wide hotword/beam configuration loaded once
// at startup (spec.md §6: "Startup loads server-global hotwords and beam
// parameters from command-line and files"). Read-only after load.
type ServerConfig struct {
	Hotwords    map[string]int `yaml:"hotwords"`
	FstIncWts   int            `yaml:"fst_inc_wts"`
	GlobalBeam  float64        `yaml:"global_beam"`
	LatticeBeam float64        `yaml:"lattice_beam"`
	AmScale     float64        `yaml:"am_scale"`
}

// DefaultServerConfig mirrors the original binary's compiled-in defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Hotwords:    map[string]int{},
		FstIncWts:   20,
		GlobalBeam:  10,
		LatticeBeam: 5,
		AmScale:     10,
	}
}

// LoadServerConfig reads a YAML hotwords/beam file. A missing file is not
// an error: the caller gets the defaults and an empty hotword map, matching
// the original's tolerance for no `-hotword` argument at all.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Hotwords == nil {
		cfg.Hotwords = map[string]int{}
	}
	return cfg, nil
}

// Merge implements the algorithm in spec.md §4.C / §9: the client's
// `hotwords` field is either a JSON object (an FST phrase->weight map) or
// free text (NN hotwords). The client's FST map is merged with the
// server's global map such that client entries are never overwritten —
// the server only fills in keys the client didn't supply. The returned
// nnText is the client's free text (if any) followed by the merged FST
// map's keys, space-delimited, in a stable (sorted) order.
func Merge(serverMap map[string]int, clientHotwords string) (fstMap map[string]int, nnText string) {
	merged := make(map[string]int, len(serverMap))
	var nn strings.Builder

	clientFST, isObject := tryParseFSTMap(clientHotwords)
	if isObject {
		for k, v := range clientFST {
			merged[k] = v
		}
	} else if clientHotwords != "" {
		nn.WriteString(" ")
		nn.WriteString(clientHotwords)
	}

	for k, v := range serverMap {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		nn.WriteString(" ")
		nn.WriteString(k)
	}

	return merged, nn.String()
}

// tryParseFSTMap attempts to parse hotwords as a JSON object of phrase to
// integer weight. ok is false if it isn't valid JSON or isn't an object,
// in which case the caller treats the whole string as NN free text.
func tryParseFSTMap(hotwords string) (m map[string]int, ok bool) {
	if hotwords == "" {
		return nil, false
	}
	var raw map[string]json.Number
	if err := json.Unmarshal([]byte(hotwords), &raw); err != nil {
		return nil, false
	}
	m = make(map[string]int, len(raw))
	for k, v := range raw {
		n, err := v.Int64()
		if err != nil {
			return nil, false
		}
		m[k] = int(n)
	}
	return m, true
}
