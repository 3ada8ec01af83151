// Package dispatch implements the Controller API's command table
// (spec.md §4.5): each recognized key in the parsed JSON request mutates
// the config.Store or produces an echo, independent of HTTP transport
// concerns (those live in internal/apiserver).
package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mistgo/streamcore/internal/capabilities"
	"github.com/mistgo/streamcore/internal/config"
)

// StatsProvider is the external statistics collaborator spec.md §1 calls
// out of scope; `clients`/`totals` are filled from it.
type StatsProvider interface {
	Clients() json.RawMessage
	Totals() json.RawMessage
}

// BrowseResult is the response to the `browse` command.
type BrowseResult struct {
	Path            string   `json:"path"`
	Subdirectories  []string `json:"subdirectories"`
	Files           []string `json:"files"`
}

// Extra holds the command-specific fields Dispatch produces beyond the
// streams/config/log envelope apiserver assembles separately.
type Extra struct {
	Capabilities  *capabilities.Descriptor `json:"capabilities,omitempty"`
	Browse        *BrowseResult            `json:"browse,omitempty"`
	UISettings    json.RawMessage          `json:"ui_settings,omitempty"`
	Clients       json.RawMessage          `json:"clients,omitempty"`
	Totals        json.RawMessage          `json:"totals,omitempty"`
}

// Result is Dispatch's full outcome.
type Result struct {
	Extra Extra
	// TouchedStreams names the streams an addstream/deletestream command
	// touched, for the minimal-response "streams.incomplete" case
	// (spec.md §4.5's "Response shaping").
	TouchedStreams []string
}

// Dispatch mutates store according to cmd and returns the command-specific
// response fields. setDebugLevel, if non-nil, is invoked whenever
// `config.debug` is processed, so the caller's logger can update its
// process-wide level (spec.md §4.5, "update process-wide level").
func Dispatch(store *config.Store, stats StatsProvider, cmd map[string]json.RawMessage, setDebugLevel func(int), capVersion string) (Result, error) {
	var res Result

	if raw, ok := cmd["config.debug"]; ok {
		var level int
		if err := json.Unmarshal(raw, &level); err != nil {
			return res, fmt.Errorf("dispatch: config.debug: %w", err)
		}
		store.SetDebug(level)
		if setDebugLevel != nil {
			setDebugLevel(level)
		}
	}

	if raw, ok := cmd["config.protocols"]; ok {
		var protocols []config.Protocol
		if err := json.Unmarshal(raw, &protocols); err != nil {
			return res, fmt.Errorf("dispatch: config.protocols: %w", err)
		}
		store.SetProtocols(protocols)
	}

	if raw, ok := cmd["config.controller"]; ok {
		store.SetController(raw)
	}

	if raw, ok := cmd["config.serverid"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return res, fmt.Errorf("dispatch: config.serverid: %w", err)
		}
		store.SetServerID(id)
	}

	if raw, ok := cmd["streams"]; ok {
		var streams map[string]config.Stream
		if err := json.Unmarshal(raw, &streams); err != nil {
			return res, fmt.Errorf("dispatch: streams: %w", err)
		}
		store.SetStreams(streams)
	}

	if raw, ok := cmd["addstream"]; ok {
		var streams map[string]config.Stream
		if err := json.Unmarshal(raw, &streams); err != nil {
			return res, fmt.Errorf("dispatch: addstream: %w", err)
		}
		for name, st := range streams {
			store.AddStream(name, st)
			res.TouchedStreams = append(res.TouchedStreams, name)
		}
	}

	if raw, ok := cmd["deletestream"]; ok {
		names, err := decodeNameList(raw)
		if err != nil {
			return res, fmt.Errorf("dispatch: deletestream: %w", err)
		}
		store.DeleteStream(names...)
		res.TouchedStreams = append(res.TouchedStreams, names...)
	}

	if raw, ok := cmd["addprotocol"]; ok {
		protocols, err := decodeProtocolList(raw)
		if err != nil {
			return res, fmt.Errorf("dispatch: addprotocol: %w", err)
		}
		store.AddProtocol(protocols...)
	}

	if raw, ok := cmd["deleteprotocol"]; ok {
		protocols, err := decodeProtocolList(raw)
		if err != nil {
			return res, fmt.Errorf("dispatch: deleteprotocol: %w", err)
		}
		store.DeleteProtocol(protocols...)
	}

	if raw, ok := cmd["updateprotocol"]; ok {
		var pair [2]config.Protocol
		if err := json.Unmarshal(raw, &pair); err != nil {
			return res, fmt.Errorf("dispatch: updateprotocol: %w", err)
		}
		store.UpdateProtocol(pair[0], pair[1])
	}

	if _, ok := cmd["capabilities"]; ok {
		d := capabilities.Default(capVersion)
		res.Extra.Capabilities = &d
	}

	if raw, ok := cmd["browse"]; ok {
		var path string
		if err := json.Unmarshal(raw, &path); err != nil {
			return res, fmt.Errorf("dispatch: browse: %w", err)
		}
		br, err := browse(path)
		if err != nil {
			return res, fmt.Errorf("dispatch: browse: %w", err)
		}
		res.Extra.Browse = br
	}

	if raw, ok := cmd["save"]; ok {
		var path string
		if err := json.Unmarshal(raw, &path); err == nil && path != "" {
			if err := store.Save(path); err != nil {
				return res, fmt.Errorf("dispatch: save: %w", err)
			}
		}
	}

	if raw, ok := cmd["ui_settings"]; ok {
		store.SetUISettings(raw)
		res.Extra.UISettings = raw
	}

	if _, ok := cmd["clients"]; ok && stats != nil {
		res.Extra.Clients = stats.Clients()
	}
	if _, ok := cmd["totals"]; ok && stats != nil {
		res.Extra.Totals = stats.Totals()
	}

	if _, ok := cmd["clearstatlogs"]; ok {
		store.ClearLog()
	}

	return res, nil
}

// decodeNameList accepts deletestream's string / array / object forms
// (spec.md §4.5) and normalizes to a flat name list.
func decodeNameList(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		names := make([]string, 0, len(obj))
		for k := range obj {
			names = append(names, k)
		}
		return names, nil
	}
	return nil, fmt.Errorf("unrecognized deletestream payload")
}

// decodeProtocolList accepts addprotocol/deleteprotocol's array / object
// forms.
func decodeProtocolList(raw json.RawMessage) ([]config.Protocol, error) {
	var list []config.Protocol
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single config.Protocol
	if err := json.Unmarshal(raw, &single); err == nil {
		return []config.Protocol{single}, nil
	}
	return nil, fmt.Errorf("unrecognized protocol payload")
}

// browse enumerates path, returning its resolved form plus the names of
// its subdirectories and files (the `browse` command, spec.md §4.5:
// "Enumerate a directory; return path (realpath), subdirectories, files").
func browse(path string) (*BrowseResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %q: %w", path, err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", abs, err)
	}
	res := &BrowseResult{Path: abs, Subdirectories: []string{}, Files: []string{}}
	for _, e := range entries {
		if e.IsDir() {
			res.Subdirectories = append(res.Subdirectories, e.Name())
		} else {
			res.Files = append(res.Files, e.Name())
		}
	}
	return res, nil
}
