package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints a parsed config so editor double-writes with
// unchanged content do not trigger a reload. Zero means "unknown".
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
