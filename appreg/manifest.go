package appreg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Manifest is the install-time descriptor (SPEC_FULL §3.4, §6.1). Unknown
// JSON keys are ignored; a malformed document falls back entirely to
// DefaultManifest rather than failing installation.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Entry   string `json:"entry"`
	HeapKB  uint32 `json:"heap_kb"`
	StackKB uint32 `json:"stack_kb"`

	Permissions []string `json:"permissions"`

	Restart struct {
		Enabled    bool   `json:"enabled"`
		MaxRetries uint32 `json:"max_retries"`
		DelayMs    uint32 `json:"delay_ms"`
	} `json:"restart"`
}

const (
	defaultHeapKB     = 32
	defaultStackKB    = 8
	defaultMaxRetries = 3
	defaultDelayMs    = 1000
)

// DefaultManifest returns the documented defaults applied when a field (or
// the whole document) is absent.
func DefaultManifest() Manifest {
	m := Manifest{HeapKB: defaultHeapKB, StackKB: defaultStackKB}
	m.Restart.MaxRetries = defaultMaxRetries
	m.Restart.DelayMs = defaultDelayMs
	return m
}

// ParseManifest tolerantly parses raw JSON bytes into a Manifest. Any
// error (empty input, malformed JSON) yields DefaultManifest rather than
// an error, per SPEC_FULL §4.5: "malformed manifests fall back entirely
// to defaults without failing installation."
func ParseManifest(raw []byte) Manifest {
	m := DefaultManifest()
	if len(raw) == 0 {
		return m
	}
	var parsed Manifest
	// json.Unmarshal already ignores unknown fields by default and
	// leaves zero-valued fields for anything absent; the only failure
	// mode we must guard is malformed JSON, handled by the error check.
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return m
	}
	if parsed.Name != "" {
		m.Name = parsed.Name
	}
	if parsed.Version != "" {
		m.Version = parsed.Version
	}
	if parsed.Entry != "" {
		m.Entry = parsed.Entry
	}
	if parsed.HeapKB != 0 {
		m.HeapKB = parsed.HeapKB
	}
	if parsed.StackKB != 0 {
		m.StackKB = parsed.StackKB
	}
	if parsed.Permissions != nil {
		m.Permissions = parsed.Permissions
	}
	if hasRestartFields(raw) {
		m.Restart = parsed.Restart
	}
	return m
}

// hasRestartFields reports whether raw contains a top-level "restart" key,
// so an absent restart block keeps DefaultManifest's values rather than
// being overwritten by Go's json zero values.
func hasRestartFields(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["restart"]
	return ok
}

// PermissionsBitset converts manifest permission names to the AppEntry
// bitset. Unknown names are ignored (tolerant parsing).
func PermissionsBitset(names []string) Permission {
	var bits Permission
	for _, n := range names {
		switch n {
		case "network":
			bits |= PermNetwork
		case "storage":
			bits |= PermStorage
		case "gpio":
			bits |= PermGPIO
		case "timer":
			bits |= PermTimer
		}
	}
	return bits
}

// SyntheticName derives a name from the binary's content digest when
// neither an explicit argument nor the manifest supplies one (SPEC_FULL
// §4.6 step 2: "a hash-derived synthetic name").
func SyntheticName(binary []byte) string {
	sum := sha256.Sum256(binary)
	return "app-" + hex.EncodeToString(sum[:6])
}
