// Package config implements the Controller Config Store: the authoritative
// in-memory JSON document of spec.md §3/§4.5, generalizing the teacher's
// flat Config struct into tagged subtrees behind a single-writer lock.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mistgo/streamcore/internal/dedup"
)

// Dedup removes duplicate protocol entries, comparing with "online"
// ignored, per spec.md §4.5's protocol dedup paragraph.
func Dedup(protocols []Protocol) []Protocol {
	return dedup.Dedup(protocols, func(a, b Protocol) bool {
		return a.EqualIgnoring(b, "online")
	})
}

// Account is one entry of the `account[name]` subtree. Password holds
// MD5(plaintext), never the plaintext itself (spec.md §4.6).
type Account struct {
	Password string `json:"password"`
}

// Protocol is a tagged protocol entry with a passthrough bucket for fields
// this version does not recognize, per spec.md §9's design note ("prefer
// tagged variants for protocol entries ... with a passthrough bucket for
// forward-compatible fields").
type Protocol struct {
	Name        string                     `json:"name"`
	Online      int                        `json:"online"`
	Passthrough map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens Passthrough's keys alongside the typed fields.
func (p Protocol) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Passthrough)+2)
	for k, v := range p.Passthrough {
		out[k] = v
	}
	nameJSON, err := json.Marshal(p.Name)
	if err != nil {
		return nil, err
	}
	onlineJSON, err := json.Marshal(p.Online)
	if err != nil {
		return nil, err
	}
	out["name"] = nameJSON
	out["online"] = onlineJSON
	return json.Marshal(out)
}

// UnmarshalJSON splits recognized fields out of the raw object, keeping the
// rest in Passthrough.
func (p *Protocol) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &p.Name); err != nil {
			return fmt.Errorf("config: protocol.name: %w", err)
		}
		delete(raw, "name")
	}
	if v, ok := raw["online"]; ok {
		if err := json.Unmarshal(v, &p.Online); err != nil {
			return fmt.Errorf("config: protocol.online: %w", err)
		}
		delete(raw, "online")
	}
	p.Passthrough = raw
	return nil
}

// EqualIgnoring reports whether p equals other once the named fields are
// ignored — spec.md §4.5's protocol dedup compares ignoring "online".
func (p Protocol) EqualIgnoring(other Protocol, ignore ...string) bool {
	skip := make(map[string]bool, len(ignore))
	for _, f := range ignore {
		skip[f] = true
	}
	if !skip["name"] && p.Name != other.Name {
		return false
	}
	if !skip["online"] && p.Online != other.Online {
		return false
	}
	if len(p.Passthrough) != len(other.Passthrough) {
		return false
	}
	for k, v := range p.Passthrough {
		if skip[k] {
			continue
		}
		ov, ok := other.Passthrough[k]
		if !ok || string(v) != string(ov) {
			return false
		}
	}
	return true
}

// Stream is one entry of the `streams` subtree. Source and other fields are
// kept as a passthrough bucket: stream definitions are an external
// collaborator's concern (spec.md §1, "out of scope: the concrete demuxers
// for each container format") and the store only needs to hold and echo
// them, not interpret their shape.
type Stream struct {
	Fields map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens Fields.
func (s Stream) MarshalJSON() ([]byte, error) {
	if s.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Fields)
}

// UnmarshalJSON stores the whole object as Fields.
func (s *Stream) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Fields = raw
	return nil
}

// LogEntry is one entry of the `log[]` subtree.
type LogEntry struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`
	Msg  string    `json:"msg"`
}

// Store holds the full config document behind a single-writer lock. Log
// writes are protected by a second, independent mutex (logMu) per spec.md
// §3's invariant that log and config mutexes are separate — grounded on the
// teacher's dashboard.Server split between cfgMu and logMu.
type Store struct {
	cfgMu sync.RWMutex

	Accounts   map[string]Account
	Protocols  []Protocol
	Controller json.RawMessage
	ServerID   string
	Debug      int
	Streams    map[string]Stream
	UISettings json.RawMessage

	logMu sync.Mutex
	Log   []LogEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		Accounts: make(map[string]Account),
		Streams:  make(map[string]Stream),
	}
}

// document is the on-disk/wire shape of the whole store, used by Save/Load
// and by the API dispatcher's response serialization.
type document struct {
	Account    map[string]Account `json:"account"`
	Config     configSubtree      `json:"config"`
	Streams    map[string]Stream  `json:"streams"`
	UISettings json.RawMessage    `json:"ui_settings,omitempty"`
	Log        []LogEntry         `json:"log"`
}

type configSubtree struct {
	Protocols  []Protocol      `json:"protocols"`
	Controller json.RawMessage `json:"controller,omitempty"`
	ServerID   string          `json:"serverid"`
	Debug      int             `json:"debug"`
}

// Snapshot returns a read-locked copy of the document suitable for JSON
// serialization by the API dispatcher.
func (s *Store) Snapshot() document {
	s.cfgMu.RLock()
	accounts := make(map[string]Account, len(s.Accounts))
	for k, v := range s.Accounts {
		accounts[k] = v
	}
	protocols := make([]Protocol, len(s.Protocols))
	copy(protocols, s.Protocols)
	streams := make(map[string]Stream, len(s.Streams))
	for k, v := range s.Streams {
		streams[k] = v
	}
	doc := document{
		Account: accounts,
		Config: configSubtree{
			Protocols:  protocols,
			Controller: s.Controller,
			ServerID:   s.ServerID,
			Debug:      s.Debug,
		},
		Streams:    streams,
		UISettings: s.UISettings,
	}
	s.cfgMu.RUnlock()

	s.logMu.Lock()
	doc.Log = append([]LogEntry(nil), s.Log...)
	s.logMu.Unlock()
	return doc
}

// SetDebug replaces the process-wide debug level under the config mutex
// (the `config.debug` dispatch command, spec.md §4.5).
func (s *Store) SetDebug(level int) {
	s.cfgMu.Lock()
	s.Debug = level
	s.cfgMu.Unlock()
}

// SetProtocols replaces the protocol list and runs dedup, per the
// `config.protocols` dispatch command.
func (s *Store) SetProtocols(protocols []Protocol) {
	s.cfgMu.Lock()
	s.Protocols = Dedup(protocols)
	s.cfgMu.Unlock()
}

// AddProtocol appends protocols and re-runs dedup (`addprotocol`).
func (s *Store) AddProtocol(protocols ...Protocol) {
	s.cfgMu.Lock()
	s.Protocols = Dedup(append(s.Protocols, protocols...))
	s.cfgMu.Unlock()
}

// DeleteProtocol removes every entry equal to any of match, ignoring
// "online" (`deleteprotocol`).
func (s *Store) DeleteProtocol(match ...Protocol) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.Protocols = filterProtocols(s.Protocols, func(p Protocol) bool {
		for _, m := range match {
			if p.EqualIgnoring(m, "online") {
				return false
			}
		}
		return true
	})
}

// UpdateProtocol replaces every protocol equal to from (ignoring "online")
// with to, then re-runs dedup (`updateprotocol`).
func (s *Store) UpdateProtocol(from, to Protocol) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	updated := make([]Protocol, len(s.Protocols))
	for i, p := range s.Protocols {
		if p.EqualIgnoring(from, "online") {
			updated[i] = to
		} else {
			updated[i] = p
		}
	}
	s.Protocols = Dedup(updated)
}

func filterProtocols(in []Protocol, keep func(Protocol) bool) []Protocol {
	out := make([]Protocol, 0, len(in))
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// SetController replaces the `config.controller` subtree.
func (s *Store) SetController(raw json.RawMessage) {
	s.cfgMu.Lock()
	s.Controller = raw
	s.cfgMu.Unlock()
}

// SetServerID replaces `config.serverid`.
func (s *Store) SetServerID(id string) {
	s.cfgMu.Lock()
	s.ServerID = id
	s.cfgMu.Unlock()
}

// SetStreams replaces the whole stream map (`streams`).
func (s *Store) SetStreams(streams map[string]Stream) {
	s.cfgMu.Lock()
	s.Streams = streams
	s.cfgMu.Unlock()
}

// AddStream merges name into the stream map (`addstream`).
func (s *Store) AddStream(name string, stream Stream) {
	s.cfgMu.Lock()
	if s.Streams == nil {
		s.Streams = make(map[string]Stream)
	}
	s.Streams[name] = stream
	s.cfgMu.Unlock()
}

// DeleteStream removes the named streams (`deletestream`).
func (s *Store) DeleteStream(names ...string) {
	s.cfgMu.Lock()
	for _, n := range names {
		delete(s.Streams, n)
	}
	s.cfgMu.Unlock()
}

// SetUISettings replaces `ui_settings` (`ui_settings`).
func (s *Store) SetUISettings(raw json.RawMessage) {
	s.cfgMu.Lock()
	s.UISettings = raw
	s.cfgMu.Unlock()
}

// AppendLog appends entry under the independent log mutex.
func (s *Store) AppendLog(entry LogEntry) {
	s.logMu.Lock()
	s.Log = append(s.Log, entry)
	s.logMu.Unlock()
}

// ClearLog nulls the log subtree (`clearstatlogs`), under the log mutex.
func (s *Store) ClearLog() {
	s.logMu.Lock()
	s.Log = nil
	s.logMu.Unlock()
}

// Account looks up an account by name.
func (s *Store) Account(name string) (Account, bool) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	a, ok := s.Accounts[name]
	return a, ok
}

// HasAccounts reports whether the account subtree is non-empty, the
// condition spec.md §4.6 uses to decide NOACC vs. CHALL.
func (s *Store) HasAccounts() bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return len(s.Accounts) > 0
}

// CreateAccount inserts a new account with the given (already-hashed)
// password, used by the ACC_MADE bootstrap path.
func (s *Store) CreateAccount(name, hashedPassword string) {
	s.cfgMu.Lock()
	if s.Accounts == nil {
		s.Accounts = make(map[string]Account)
	}
	s.Accounts[name] = Account{Password: hashedPassword}
	s.cfgMu.Unlock()
}

// Save persists the config document to path as JSON (`save`).
func (s *Store) Save(path string) error {
	doc := s.Snapshot()
	f, err := os.Create(path) // #nosec G304 -- path is an operator-supplied config location
	if err != nil {
		return fmt.Errorf("config: create %q: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

// Load reads a config document previously written by Save.
func Load(path string) (*Store, error) {
	f, err := os.Open(path) // #nosec G304 -- path is an operator-supplied config location
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	var doc document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}

	s := New()
	s.Accounts = doc.Account
	s.Protocols = doc.Config.Protocols
	s.Controller = doc.Config.Controller
	s.ServerID = doc.Config.ServerID
	s.Debug = doc.Config.Debug
	s.Streams = doc.Streams
	s.UISettings = doc.UISettings
	s.Log = doc.Log
	if s.Accounts == nil {
		s.Accounts = make(map[string]Account)
	}
	if s.Streams == nil {
		s.Streams = make(map[string]Stream)
	}
	return s, nil
}
