package web

import (
	"context"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"github.com/mhss/shade/config"
	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/pipeline"
)

const maxSettingsBody = 1 << 16

// DebugHeader turns on debug logging for one request. Its value, or a random key when a request
// only carries a `debug` query parameter, is echoed back and tags the request's log lines.
const DebugHeader = "X-Shade-Debug"

// Pipeline is the part of the pipeline the server exposes.
type Pipeline interface {
	pipeline.StatusReader
	Stats() pipeline.Stats
	ClearOverlay()
	SetTargetVisible(visible bool)
}

// SettingsStore reads and persists user settings.
type SettingsStore interface {
	Current() config.Settings
	Store(settings config.Settings) error
}

// Server serves the viewer page, the overlay websocket and a small JSON API.
type Server struct {
	hub      *Hub
	pipeline Pipeline
	settings SettingsStore
	logger   logging.Logger
}

// NewServer returns a server. `settings` may be nil, in which case /settings is not served.
func NewServer(hub *Hub, p Pipeline, settings SettingsStore, logger logging.Logger) *Server {
	return &Server{hub: hub, pipeline: p, settings: settings, logger: logger}
}

// Handler returns the routes of the server.
func (s *Server) Handler() (http.Handler, error) {
	static, err := fs.Sub(AppFS, "static")
	if err != nil {
		return nil, errors.Wrap(err, "opening viewer assets")
	}

	mux := goji.NewMux()
	mux.Handle(pat.Get("/ws"), s.hub)
	mux.HandleFunc(pat.Get("/status"), func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.pipeline.Status())
	})
	mux.HandleFunc(pat.Get("/stats"), func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.pipeline.Stats())
	})
	mux.HandleFunc(pat.Post("/clear"), func(w http.ResponseWriter, r *http.Request) {
		s.logger.CDebugw(r.Context(), "overlay clear requested", "debug_key", logging.GetName(r.Context()))
		s.pipeline.ClearOverlay()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc(pat.Post("/visible/:state"), s.handleVisible)
	if s.settings != nil {
		mux.HandleFunc(pat.Get("/settings"), func(w http.ResponseWriter, r *http.Request) {
			s.writeJSON(w, http.StatusOK, s.settings.Current())
		})
		mux.HandleFunc(pat.Post("/settings"), s.handleSettings)
		mux.HandleFunc(pat.Get("/settings/schema"), func(w http.ResponseWriter, r *http.Request) {
			s.writeJSON(w, http.StatusOK, config.SettingsSchema())
		})
	}
	mux.Handle(pat.Get("/*"), http.FileServer(http.FS(static)))

	return cors.AllowAll().Handler(withDebug(mux)), nil
}

func withDebug(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(DebugHeader)
		if key == "" {
			key = r.URL.Query().Get("debug")
		}
		if key != "" || r.URL.Query().Has("debug") {
			r = r.WithContext(logging.EnableDebugMode(r.Context(), key))
		}
		if logging.IsDebugMode(r.Context()) {
			w.Header().Set(DebugHeader, logging.GetName(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	state := pat.Param(r, "state")
	s.logger.CDebugw(r.Context(), "visibility requested", "state", state, "debug_key", logging.GetName(r.Context()))
	switch state {
	case "on":
		s.pipeline.SetTargetVisible(true)
	case "off":
		s.pipeline.SetTargetVisible(false)
	default:
		http.Error(w, `state must be "on" or "off"`, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSettings merges the posted fields into the current settings.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.settings.Current()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&settings); err != nil {
		http.Error(w, errors.Wrap(err, "decoding settings").Error(), http.StatusBadRequest)
		return
	}
	settings = settings.Normalized()
	s.logger.CDebugw(r.Context(), "storing settings", "settings", settings, "debug_key", logging.GetName(r.Context()))
	if err := s.settings.Store(settings); err != nil {
		s.logger.Errorw("error storing settings", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("error writing response", "error", err)
	}
}

// Serve serves on `listener` until `ctx` is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              listener.Addr().String(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           handler,
	}

	stopped := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(stopped)
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("error shutting down", "error", err)
		}
	})

	s.logger.Infow("serving", "url", "http://"+listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// ListenAndServe listens on `addr` and serves until `ctx` is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	return s.Serve(ctx, listener)
}
