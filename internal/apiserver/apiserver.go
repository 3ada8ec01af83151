// Package apiserver implements the API Dispatcher of spec.md §4.5: a
// *http.ServeMux realizing "/", "/api", "/api2" with the per-connection
// auth/dispatch/shape flow, adapted from the teacher's dashboard.Server
// (route registration style, CORS middleware, withCORS wrapping).
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mistgo/streamcore/internal/authgate"
	"github.com/mistgo/streamcore/internal/config"
	"github.com/mistgo/streamcore/internal/dispatch"
	"github.com/mistgo/streamcore/internal/logger"
	"github.com/mistgo/streamcore/internal/metrics"
)

// maxFailedAttempts is the per-remote-address unauthenticated attempt limit
// before further requests are rejected outright (spec.md §4.5, "allow at
// most 4 unauthenticated request attempts").
const maxFailedAttempts = 4

// failPenalty is the anti-bruteforce sleep applied to every failed auth.
const failPenalty = time.Second

// Server is the Controller's HTTP API surface.
type Server struct {
	store      *config.Store
	stats      dispatch.StatsProvider
	log        *logger.Logger
	metrics    *metrics.Metrics
	ui         http.Handler
	capVersion string

	mux *http.ServeMux

	// failedAttempts tracks unauthenticated attempts per remote address.
	// A small mutex-guarded map suffices here — the set of concurrently
	// misbehaving peers is tiny, so no external cache library is pulled in
	// for a structure this size.
	mu             sync.Mutex
	failedAttempts map[string]int
}

// New creates a Server. ui serves the embedded web UI bundle (out of scope
// per spec.md §1); it may be nil, in which case "/" returns 404.
func New(store *config.Store, stats dispatch.StatsProvider, log *logger.Logger, m *metrics.Metrics, ui http.Handler, capVersion string) *Server {
	s := &Server{
		store:          store,
		stats:          stats,
		log:            log,
		metrics:        m,
		ui:             ui,
		capVersion:     capVersion,
		mux:            http.NewServeMux(),
		failedAttempts: make(map[string]int),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/", s.withCORS(s.handleUI))
	s.mux.HandleFunc("/api", s.withCORS(s.handleAPI(false)))
	s.mux.HandleFunc("/api2", s.withCORS(s.handleAPI(true)))
}

// Handler returns the full server handler, wrapped for h2c (HTTP/2 without
// TLS) so a controller behind a plain TCP listener still serves HTTP/2 to
// clients that request it.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	if s.ui != nil {
		s.ui.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleAPI returns the /api (minimal=false) or /api2 (minimal=true)
// handler. One *http.Request is one realization of spec.md §4.5's
// "per-connection loop" step, since net/http already multiplexes
// connections into requests.
func (s *Server) handleAPI(minimalPath bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.IncAPIRequests()
		remote := remoteHost(r)

		s.mu.Lock()
		blocked := s.failedAttempts[remote] >= maxFailedAttempts
		s.mu.Unlock()
		if blocked {
			w.Header().Set("Connection", "close")
			http.Error(w, "too many failed attempts", http.StatusForbidden)
			return
		}

		cmd, err := parseCommand(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		var minimal bool
		if minimalPath {
			minimal = true
		} else if raw, ok := cmd["minimal"]; ok {
			_ = json.Unmarshal(raw, &minimal)
		}

		authorized := false
		var authResp *authgate.AuthResponse
		if isLoopback(remote) && r.Header.Get("X-Real-IP") == "" {
			authorized = true
		} else {
			req := parseAuthorize(cmd["authorize"])
			resp, ok := authgate.Authorize(s.store, req, remote, time.Now(), func(user, peer string) {
				s.log.Infof("failed auth attempt user=%q peer=%s", user, peer)
			})
			authResp = &resp
			authorized = ok
		}

		if !authorized {
			s.mu.Lock()
			s.failedAttempts[remote]++
			tripped := s.failedAttempts[remote] >= maxFailedAttempts
			s.mu.Unlock()
			s.metrics.IncFailedAuths()
			time.Sleep(failPenalty)
			if tripped {
				w.Header().Set("Connection", "close")
				http.Error(w, "too many failed attempts", http.StatusForbidden)
				return
			}
			writeJSONP(w, r, map[string]interface{}{"authorize": authResp})
			return
		}

		s.mu.Lock()
		delete(s.failedAttempts, remote)
		s.mu.Unlock()

		res, err := dispatch.Dispatch(s.store, s.stats, cmd, func(level int) {
			s.log.SetLevel(logger.Level(level))
		}, s.capVersion)
		if err != nil {
			// The dispatcher never throws out of the request (spec.md §7):
			// side effects up to the point of failure are kept, and the
			// error is logged rather than aborting the response.
			s.log.Errorf("dispatch error: %v", err)
		}

		body := s.buildResponse(minimal, res, authResp, cmd)
		writeJSONP(w, r, body)
	}
}

func parseAuthorize(raw json.RawMessage) authgate.AuthRequest {
	if len(raw) == 0 {
		return authgate.AuthRequest{}
	}
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		NewUsername string `json:"new_username"`
		NewPassword string `json:"new_password"`
	}
	_ = json.Unmarshal(raw, &req)
	return authgate.AuthRequest{
		Username:    req.Username,
		Password:    req.Password,
		NewUsername: req.NewUsername,
		NewPassword: req.NewPassword,
	}
}

// buildResponse assembles the JSON body per spec.md §4.5's "Response
// shaping" paragraph.
func (s *Server) buildResponse(minimal bool, res dispatch.Result, authResp *authgate.AuthResponse, cmd map[string]json.RawMessage) map[string]interface{} {
	body := make(map[string]interface{})

	if authResp != nil {
		body["authorize"] = authResp
	}

	_, addStreamPresent := cmd["addstream"]
	_, delStreamPresent := cmd["deletestream"]

	if minimal {
		if (addStreamPresent || delStreamPresent) && len(res.TouchedStreams) > 0 {
			streams := map[string]interface{}{"incomplete": 1}
			snap := s.store.Snapshot()
			for _, name := range res.TouchedStreams {
				if st, ok := snap.Streams[name]; ok {
					streams[name] = st
				} else {
					streams[name] = nil
				}
			}
			body["streams"] = streams
		}
	} else {
		snap := s.store.Snapshot()
		body["streams"] = snap.Streams
		cfg := map[string]interface{}{
			"protocols": snap.Config.Protocols,
			"serverid":  snap.Config.ServerID,
			"debug":     snap.Config.Debug,
			"iid":       s.capVersion,
			"version":   s.capVersion,
			"time":      time.Now().Unix(),
		}
		if snap.Config.ServerID == "" {
			cfg["serverid"] = ""
		}
		if snap.Config.Controller != nil {
			cfg["controller"] = snap.Config.Controller
		}
		body["config"] = cfg
		body["log"] = snap.Log
	}

	if res.Extra.Capabilities != nil {
		body["capabilities"] = res.Extra.Capabilities
	}
	if res.Extra.Browse != nil {
		body["browse"] = res.Extra.Browse
	}
	if res.Extra.UISettings != nil {
		body["ui_settings"] = res.Extra.UISettings
	}
	if res.Extra.Clients != nil {
		body["clients"] = res.Extra.Clients
	}
	if res.Extra.Totals != nil {
		body["totals"] = res.Extra.Totals
	}
	return body
}

func parseCommand(r *http.Request) (map[string]json.RawMessage, error) {
	raw := r.URL.Query().Get("command")
	if raw == "" {
		raw = r.FormValue("command")
	}
	if raw == "" {
		return map[string]json.RawMessage{}, nil
	}
	var cmd map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return nil, fmt.Errorf("apiserver: command is not a JSON object: %w", err)
	}
	return cmd, nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSONP(w, r, map[string]interface{}{"error": err.Error()})
}

// writeJSONP serializes body and, per spec.md §4.5, wraps it as
// `name(body);\n\n` when a callback/jsonp query parameter is set to a name
// isSafeCallbackName accepts, else emits the body followed by a trailing
// double newline. Content-Type is
// text/javascript with the permissive CORS already set by withCORS.
func writeJSONP(w http.ResponseWriter, r *http.Request, body interface{}) {
	w.Header().Set("Content-Type", "text/javascript")

	encoded, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "internal encoding error", http.StatusInternalServerError)
		return
	}

	callback := r.URL.Query().Get("callback")
	if callback == "" {
		callback = r.URL.Query().Get("jsonp")
	}
	if callback != "" && isSafeCallbackName(callback) {
		fmt.Fprintf(w, "%s(%s);\n\n", callback, encoded)
		return
	}
	w.Write(encoded) //nolint:errcheck
	w.Write([]byte("\n\n")) //nolint:errcheck
}

// isSafeCallbackName restricts JSONP callback names to identifier
// characters, preventing response-splitting/XSS via an attacker-controlled
// callback parameter.
func isSafeCallbackName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// ListenAndServe starts the API server on addr and blocks until it exits
// or ctx is cancelled, at which point it shuts down gracefully — grounded
// on the teacher's main.go startup/shutdown sequence.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
