// Package capabilities implements the `--json` capability descriptor
// cmd/mistinput prints instead of booting a stream (SPEC_FULL.md §10,
// grounded on original_source/src/input/input.cpp's run() --json branch).
package capabilities

import "encoding/json"

// Option describes one CLI flag the input worker accepts.
type Option struct {
	Name string `json:"name"`
	Help string `json:"help,omitempty"`
}

// Descriptor is the JSON document printed by `--json`.
type Descriptor struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Options      []Option `json:"options"`
	DebugDefault int      `json:"debug_default"`
}

// Default returns the descriptor for the mistinput binary.
func Default(version string) Descriptor {
	return Descriptor{
		Name:    "mistinput",
		Version: version,
		Options: []Option{
			{Name: "json", Help: "print this capability descriptor and exit"},
			{Name: "stream", Help: "named stream to serve, or to push when combined with push"},
			{Name: "input", Help: "input path, or - for stdin"},
			{Name: "output", Help: "output path, or - for stdout"},
		},
		DebugDefault: 0,
	}
}

// Encode marshals d as indented JSON, the form printed to stdout.
func Encode(d Descriptor) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
