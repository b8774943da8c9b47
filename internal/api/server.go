package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nova-desk/nova/internal/history"
	"github.com/nova-desk/nova/internal/logging"
	"github.com/nova-desk/nova/internal/manifest"
	"github.com/nova-desk/nova/internal/packaging"
	"github.com/nova-desk/nova/internal/plugin"
)

// DefaultAllowedOrigins admits a UI served from any local port
var DefaultAllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}

const (
	maxJSONBody    = 1 << 20
	maxArchiveBody = 64 << 20
	defaultLogTail = 200
)

// PluginService defines the Manager operations exposed over HTTP
type PluginService interface {
	Snapshot() []plugin.PluginStatus
	Status(id string) (plugin.PluginStatus, error)
	Descriptors() []plugin.Descriptor
	Start(id string) error
	Stop(id string) error
	Reload(id string) error
	Delete(id string) error
	SetFavorite(id string, value bool)
	SetEnabled(id string, value bool)
	SendCommand(id, cmd string, data interface{}) error
	Logs(id string, n int) ([]logging.LogEntry, error)
	Settings(id string) ([]manifest.PluginSetting, error)
	SettingValue(id, key string) (interface{}, error)
	Import(zipPath string) (string, error)
	Export(id, outDir string) (string, error)
	Scaffold(t packaging.Template) (string, error)
}

// HistoryService returns recorded lifecycle events
type HistoryService interface {
	Recent(ctx context.Context, pluginID string, limit int) ([]history.Entry, error)
}

// pinger is implemented by a HistoryService that can report its health
type pinger interface {
	Ping(ctx context.Context) error
}

// SettingsWriter persists plugin setting values
type SettingsWriter interface {
	SetPluginSetting(pluginID, key string, value interface{}) error
}

// Options configures the server
type Options struct {
	Plugins        PluginService
	History        HistoryService
	Settings       SettingsWriter
	HostLogs       *logging.RingBuffer
	Resources      *ResourceCache
	Hub            *Hub
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server serves the control API
type Server struct {
	plugins   PluginService
	history   HistoryService
	settings  SettingsWriter
	hostLogs  *logging.RingBuffer
	resources *ResourceCache
	hub       *Hub
	origins   []string
	logger    *slog.Logger
}

// NewServer creates the API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}
	return &Server{
		plugins:   opts.Plugins,
		history:   opts.History,
		settings:  opts.Settings,
		hostLogs:  opts.HostLogs,
		resources: opts.Resources,
		hub:       opts.Hub,
		origins:   origins,
		logger:    logger.With("component", "api"),
	}
}

// Router builds the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/schema/manifest", s.manifestSchema)
		r.Get("/logs", s.hostLogTail)

		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.listPlugins)
			r.Get("/descriptors", s.listDescriptors)
			r.Post("/import", s.importPlugin)
			r.Post("/scaffold", s.scaffoldPlugin)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(pluginIDParam)
				r.Get("/", s.getPlugin)
				r.Delete("/", s.deletePlugin)
				r.Post("/start", s.lifecycle("start", s.plugins.Start))
				r.Post("/stop", s.lifecycle("stop", s.plugins.Stop))
				r.Post("/reload", s.lifecycle("reload", s.plugins.Reload))
				r.Put("/favorite", s.toggle(s.plugins.SetFavorite))
				r.Put("/enabled", s.toggle(s.plugins.SetEnabled))
				r.Post("/command", s.sendCommand)
				r.Get("/logs", s.pluginLogs)
				r.Get("/history", s.pluginHistory)
				r.Get("/export", s.exportPlugin)
				r.Get("/settings", s.listSettings)
				r.Put("/settings/{key}", s.putSetting)
				r.Get("/resources/*", s.pluginResource)
			})
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ============================================================================
// Plugin handlers
// ============================================================================

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	statuses := s.plugins.Snapshot()
	active := 0
	for _, st := range statuses {
		if st.Active {
			active++
		}
	}
	body := map[string]interface{}{"status": "healthy", "loaded": len(statuses), "active": active}

	if p, ok := s.history.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("History database unavailable", "error", err)
			body["status"] = "degraded"
			body["history"] = err.Error()
			writeResponse(w, http.StatusServiceUnavailable, Response{Data: body})
			return
		}
		body["history"] = "ok"
	}
	reply(w, http.StatusOK, body)
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	statuses := s.plugins.Snapshot()
	replyList(w, r, statuses, len(statuses))
}

func (s *Server) listDescriptors(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, s.plugins.Descriptors())
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.plugins.Status(id)
	if err != nil {
		failPlugin(w, id, err)
		return
	}
	reply(w, http.StatusOK, status)
}

func (s *Server) lifecycle(action string, fn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(id); err != nil {
			s.logger.Warn("Plugin action failed", "action", action, "id", id, "error", err)
			failPlugin(w, id, err)
			return
		}
		status, err := s.plugins.Status(id)
		if err != nil {
			failPlugin(w, id, err)
			return
		}
		reply(w, http.StatusOK, status)
	}
}

func (s *Server) toggle(fn func(string, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		fn(id, *req.Value)
		reply(w, http.StatusOK, map[string]interface{}{"id": id, "value": *req.Value})
	}
}

func (s *Server) deletePlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.plugins.Delete(id); err != nil {
		failPlugin(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.plugins.SendCommand(id, req.Cmd, req.Data); err != nil {
		failPlugin(w, id, err)
		return
	}
	reply(w, http.StatusAccepted, map[string]string{"cmd": req.Cmd})
}

func (s *Server) pluginLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.plugins.Logs(id, queryInt(r, "n", defaultLogTail))
	if err != nil {
		failPlugin(w, id, err)
		return
	}
	replyList(w, r, entries, len(entries))
}

func (s *Server) pluginHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		replyList(w, r, []history.Entry{}, 0)
		return
	}
	entries, err := s.history.Recent(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 0))
	if err != nil {
		fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	replyList(w, r, entries, len(entries))
}

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	settings, err := s.plugins.Settings(id)
	if err != nil {
		failPlugin(w, id, err)
		return
	}

	type settingView struct {
		manifest.PluginSetting
		Value interface{} `json:"value"`
	}
	views := make([]settingView, 0, len(settings))
	for _, setting := range settings {
		v, err := s.plugins.SettingValue(id, setting.Key)
		if err != nil {
			v = setting.Default
		}
		views = append(views, settingView{PluginSetting: setting, Value: v})
	}
	reply(w, http.StatusOK, views)
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	id, key := chi.URLParam(r, "id"), chi.URLParam(r, "key")
	if s.settings == nil {
		fail(w, http.StatusNotImplemented, CodeReadOnly, "Settings are read-only")
		return
	}
	if _, err := s.plugins.SettingValue(id, key); err != nil {
		failPlugin(w, id, err)
		return
	}

	var req settingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.settings.SetPluginSetting(id, key, req.Value); err != nil {
		fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	reply(w, http.StatusOK, map[string]interface{}{"key": key, "value": req.Value})
}

// ============================================================================
// Packaging handlers
// ============================================================================

func (s *Server) importPlugin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveBody)
	file, _, err := r.FormFile("file")
	if err != nil {
		fail(w, http.StatusBadRequest, CodeBadRequest, "Missing archive upload field 'file'")
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "nova-import-*.zip")
	if err != nil {
		fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = io.Copy(tmp, file)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		fail(w, http.StatusBadRequest, CodeBadRequest, "Failed to receive archive")
		return
	}

	id, err := s.plugins.Import(tmpPath)
	if err != nil && id == "" {
		failPlugin(w, "", err)
		return
	}
	if err != nil {
		// Installed but failed to load or start
		s.logger.Warn("Imported plugin did not start", "id", id, "error", err)
	}
	reply(w, http.StatusCreated, map[string]interface{}{"id": id, "started": err == nil})
}

func (s *Server) exportPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outDir, err := os.MkdirTemp("", "nova-export-*")
	if err != nil {
		fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	defer os.RemoveAll(outDir)

	path, err := s.plugins.Export(id, outDir)
	if err != nil {
		failPlugin(w, id, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) scaffoldPlugin(w http.ResponseWriter, r *http.Request) {
	var req scaffoldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dir, err := s.plugins.Scaffold(packaging.Template{
		ID:          req.ID,
		Name:        req.Name,
		Author:      req.Author,
		Description: req.Description,
	})
	if err != nil {
		failPlugin(w, req.ID, err)
		return
	}
	reply(w, http.StatusCreated, map[string]string{"id": req.ID, "dir": dir})
}

// ============================================================================
// Host handlers
// ============================================================================

func (s *Server) manifestSchema(w http.ResponseWriter, r *http.Request) {
	data, err := manifest.Schema()
	if err != nil {
		fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(data)
}

func (s *Server) hostLogTail(w http.ResponseWriter, r *http.Request) {
	if s.hostLogs == nil {
		replyList(w, r, []logging.LogEntry{}, 0)
		return
	}
	entries := s.hostLogs.GetRecent(queryInt(r, "n", defaultLogTail))
	replyList(w, r, entries, len(entries))
}

// ============================================================================
// Helpers
// ============================================================================

// pluginIDParam rejects a {id} path segment that is not a plugin slug
func pluginIDParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := manifest.CheckID(id); err != nil {
			failPlugin(w, id, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// OriginMatcher returns a check for browser origins. Patterns may hold one
// "*" wildcard; "*" alone admits everything.
func OriginMatcher(patterns []string) func(origin string) bool {
	if len(patterns) == 0 {
		patterns = DefaultAllowedOrigins
	}
	return func(origin string) bool {
		origin = strings.ToLower(origin)
		for _, p := range patterns {
			p = strings.ToLower(p)
			if p == "*" || p == origin {
				return true
			}
			prefix, suffix, ok := strings.Cut(p, "*")
			if ok && len(origin) >= len(prefix)+len(suffix) &&
				strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}
}
