// ABOUTME: The Server aggregate: registries, sessions, tasks, admission, push plumbing.
// ABOUTME: One Server instance owns all protocol state; transports stay stateless.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcpd/cache"
	"github.com/2389/mcpd/mcp"
	"github.com/2389/mcpd/ratelimit"
	"github.com/2389/mcpd/session"
	"github.com/2389/mcpd/task"
)

// Version is the library version reported in serverInfo when the
// configuration does not set its own.
const Version = "0.12.0"

// MaxRequestBodySize caps inbound message size at 1 MB.
const MaxRequestBodySize = 1 << 20

// ErrNoPusher means server-initiated traffic has nowhere to go because
// no transport attached a Pusher.
var ErrNoPusher = errors.New("no pusher attached")

// Pusher delivers server-initiated messages to connected clients. The
// HTTP transport implements it over per-session SSE streams; the stdio
// transport writes to stdout.
type Pusher interface {
	// Push delivers a payload to one session's stream.
	Push(sessionID string, payload []byte) error

	// Broadcast delivers a payload to every connected stream.
	Broadcast(payload []byte)
}

// Config controls server construction. Name is required; everything
// else has a working default.
type Config struct {
	// Name identifies the server in initialize responses.
	Name string

	// Version reported in serverInfo. Empty means the library version.
	Version string

	Title       string
	Description string
	WebsiteURL  string
	Icons       []mcp.Icon

	// Instructions are returned verbatim from initialize.
	Instructions string

	// PageSize paginates tools/list, resources/list, and prompts/list.
	// Zero disables pagination.
	PageSize int

	// MaxSessions bounds the session table. Zero means the session
	// package default.
	MaxSessions int

	// SessionIdleTimeout expires idle sessions. Zero means the session
	// package default.
	SessionIdleTimeout time.Duration

	// EnableTasks turns on augmented tool execution: the tasks/*
	// methods and the tasks capability block.
	EnableTasks bool

	// TaskStore overrides the in-memory task store, e.g. with the
	// SQLite store for persistence across restarts.
	TaskStore task.Store

	// TaskRetention prunes terminal tasks this long after their last
	// update. Zero keeps them until their own TTL lapses.
	TaskRetention time.Duration

	// SkipInputValidation turns off argument validation against tool
	// input schemas. Validation is on by default.
	SkipInputValidation bool

	// ValidateOutput checks structured tool output against output
	// schemas. Off by default.
	ValidateOutput bool

	// CacheEnabled turns on tool result caching at construction.
	CacheEnabled bool

	// CacheMaxEntries caps the result cache. Zero means the cache
	// package default.
	CacheMaxEntries int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server is the aggregate root. It owns every registry and manager and
// is safe for concurrent use by multiple transport goroutines.
type Server struct {
	info         mcp.Info
	instructions string
	logger       *slog.Logger

	tools     *toolRegistry
	resources *resourceRegistry
	templates *templateRegistry
	prompts   *promptRegistry
	roots     *rootRegistry
	groups    *groupSet
	pipelines *pipelineSet

	sessions *session.Manager
	tasks    *task.Manager
	tasksOn  bool

	cache   *cache.Cache
	limiter *ratelimit.Limiter
	metrics *metrics
	tracker *callTracker
	pending *pendingStore

	mu          sync.RWMutex
	pusher      Pusher
	pageSize    int
	validateIn  bool
	validateOut bool

	onInitialize func(sessionID string, client mcp.Info)
	onConnect    func(sessionID string)
	onDisconnect func(sessionID string)

	beforeToolCall BeforeToolCall
	afterToolCall  AfterToolCall

	// subs maps resource URI to the set of subscribed session IDs.
	subs map[string]map[string]bool

	promptCompletions   map[string]CompletionFunc
	templateCompletions map[string]CompletionFunc
}

// NewServer creates a server from the configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, errors.New("server name is required")
	}
	if cfg.Version == "" {
		cfg.Version = Version
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "server")

	s := &Server{
		info: mcp.Info{
			Name:        cfg.Name,
			Version:     cfg.Version,
			Title:       cfg.Title,
			Description: cfg.Description,
			WebsiteURL:  cfg.WebsiteURL,
			Icons:       cfg.Icons,
		},
		instructions: cfg.Instructions,
		logger:       logger,
		tools:        newToolRegistry(),
		resources:    newResourceRegistry(),
		templates:    newTemplateRegistry(),
		prompts:      newPromptRegistry(),
		roots:        newRootRegistry(),
		groups:       newGroupSet(),
		pipelines:    newPipelineSet(),
		sessions: session.NewManager(session.Config{
			MaxSessions: cfg.MaxSessions,
			IdleTimeout: cfg.SessionIdleTimeout,
		}),
		cache: cache.New(cache.Config{
			MaxEntries: cfg.CacheMaxEntries,
			Enabled:    cfg.CacheEnabled,
		}),
		limiter:             ratelimit.New(ratelimit.Config{}),
		metrics:             newMetrics(nil),
		tracker:             newCallTracker(),
		pending:             newPendingStore(nil),
		pageSize:            cfg.PageSize,
		validateIn:          !cfg.SkipInputValidation,
		validateOut:         cfg.ValidateOutput,
		subs:                make(map[string]map[string]bool),
		promptCompletions:   make(map[string]CompletionFunc),
		templateCompletions: make(map[string]CompletionFunc),
	}

	if cfg.EnableTasks {
		s.tasksOn = true
		s.tasks = task.NewManager(task.Config{
			Store:     cfg.TaskStore,
			RetainFor: cfg.TaskRetention,
			Logger:    cfg.Logger,
		})
		s.tasks.OnStatus(func(rec task.Record) {
			s.notifyTaskStatus(rec)
		})
	}

	logger.Info("server configured", "name", cfg.Name, "version", cfg.Version, "tasks", cfg.EnableTasks)
	return s, nil
}

// Close releases server resources. With tasks enabled this closes the
// task store.
func (s *Server) Close() error {
	if s.tasksOn {
		return s.tasks.Close()
	}
	return nil
}

// Info returns the serverInfo block sent on initialize.
func (s *Server) Info() mcp.Info {
	return s.info
}

// Sessions exposes the session manager for transport and diagnostics
// wiring.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Tasks exposes the task manager, or nil when tasks are disabled.
func (s *Server) Tasks() *task.Manager {
	if !s.tasksOn {
		return nil
	}
	return s.tasks
}

// Cache exposes the tool result cache for runtime tuning.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Limiter exposes the request rate limiter. Transports gate inbound
// requests on it.
func (s *Server) Limiter() *ratelimit.Limiter {
	return s.limiter
}

// MetricsSnapshot returns a point-in-time copy of the request metrics.
func (s *Server) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.snapshot()
}

// RenderPrometheus returns the metrics in Prometheus text exposition
// format, served with MetricsContentType.
func (s *Server) RenderPrometheus() string {
	return s.metrics.renderPrometheus()
}

// SetSSEClientsFunc installs the transport's gauge for active SSE
// streams, reported by metrics and diagnostics.
func (s *Server) SetSSEClientsFunc(fn func() int) {
	s.metrics.setSSEClientsFunc(fn)
}

// SetPageSize changes list pagination at runtime. Zero disables it.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.pageSize = n
}

func (s *Server) listPageSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageSize
}

// SetInputValidation toggles argument validation against tool input
// schemas.
func (s *Server) SetInputValidation(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validateIn = on
}

// SetOutputValidation toggles structured output validation against
// tool output schemas.
func (s *Server) SetOutputValidation(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validateOut = on
}

func (s *Server) validationFlags() (in, out bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validateIn, s.validateOut
}

// OnInitialize registers a hook fired after each successful initialize
// handshake.
func (s *Server) OnInitialize(fn func(sessionID string, client mcp.Info)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInitialize = fn
}

// OnConnect registers a hook fired when a client attaches a push
// stream.
func (s *Server) OnConnect(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// OnDisconnect registers a hook fired when a client's push stream
// closes.
func (s *Server) OnDisconnect(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

func (s *Server) fireInitialize(sessionID string, client mcp.Info) {
	s.mu.RLock()
	fn := s.onInitialize
	s.mu.RUnlock()
	if fn != nil {
		fn(sessionID, client)
	}
}

// ClientConnected is called by transports when a session's push stream
// opens.
func (s *Server) ClientConnected(sessionID string) {
	s.mu.RLock()
	fn := s.onConnect
	s.mu.RUnlock()
	if fn != nil {
		fn(sessionID)
	}
}

// ClientDisconnected is called by transports when a session's push
// stream closes. The session itself stays valid until it expires or is
// explicitly ended.
func (s *Server) ClientDisconnected(sessionID string) {
	s.mu.RLock()
	fn := s.onDisconnect
	s.mu.RUnlock()
	if fn != nil {
		fn(sessionID)
	}
}

// EndSession removes a session and its resource subscriptions. It
// backs the HTTP DELETE teardown. Reports whether the session existed.
func (s *Server) EndSession(sessionID string) bool {
	if !s.sessions.Remove(sessionID) {
		return false
	}
	s.dropSessionSubs(sessionID)
	s.logger.Debug("session ended", "session", sessionID)
	return true
}

// SetPusher attaches the transport's push channel. Replacing a pusher
// affects only messages sent afterwards.
func (s *Server) SetPusher(p Pusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pusher = p
}

func (s *Server) pusherRef() Pusher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pusher
}

// pushTo delivers a raw payload to one session.
func (s *Server) pushTo(sessionID string, payload []byte) error {
	p := s.pusherRef()
	if p == nil {
		return ErrNoPusher
	}
	return p.Push(sessionID, payload)
}

// serverNotification is the envelope for notifications the server
// sends; notifications carry no ID.
type serverNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func marshalNotification(method string, params any) ([]byte, error) {
	return json.Marshal(serverNotification{JSONRPC: mcp.Version, Method: method, Params: params})
}

// notifyAll broadcasts a notification to every connected stream.
func (s *Server) notifyAll(method string, params any) {
	p := s.pusherRef()
	if p == nil {
		return
	}
	payload, err := marshalNotification(method, params)
	if err != nil {
		s.logger.Warn("encoding notification failed", "method", method, "error", err)
		return
	}
	p.Broadcast(payload)
}

// notifyTo pushes a notification to a single session.
func (s *Server) notifyTo(sessionID, method string, params any) error {
	payload, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return s.pushTo(sessionID, payload)
}

// NotifyToolsChanged broadcasts notifications/tools/list_changed. Call
// it after mutating the tool registry on a live server.
func (s *Server) NotifyToolsChanged() {
	s.notifyAll(mcp.MethodNotifToolsListChanged, nil)
}

// NotifyResourcesChanged broadcasts notifications/resources/list_changed.
func (s *Server) NotifyResourcesChanged() {
	s.notifyAll(mcp.MethodNotifResourcesListChanged, nil)
}

// NotifyPromptsChanged broadcasts notifications/prompts/list_changed.
func (s *Server) NotifyPromptsChanged() {
	s.notifyAll(mcp.MethodNotifPromptsListChanged, nil)
}

// NotifyResourceUpdated pushes notifications/resources/updated to the
// sessions subscribed to the URI. Unsubscribed sessions see nothing.
func (s *Server) NotifyResourceUpdated(uri string) {
	for _, id := range s.subscribers(uri) {
		if err := s.notifyTo(id, mcp.MethodNotifResourceUpdated, mcp.ResourceUpdatedParams{URI: uri}); err != nil {
			s.logger.Debug("resource update dropped", "uri", uri, "session", id, "error", err)
		}
	}
}

func (s *Server) subscribe(sessionID, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[uri]
	if set == nil {
		set = make(map[string]bool)
		s.subs[uri] = set
	}
	set[sessionID] = true
}

func (s *Server) unsubscribe(sessionID, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.subs[uri]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(s.subs, uri)
		}
	}
}

func (s *Server) subscribers(uri string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.subs[uri]))
	for id := range s.subs[uri] {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) dropSessionSubs(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uri, set := range s.subs {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(s.subs, uri)
		}
	}
}

// notifyTaskStatus pushes notifications/tasks/status to the session
// that owns the task.
func (s *Server) notifyTaskStatus(rec task.Record) {
	params := mcp.TaskStatusParams{Task: rec.Wire()}
	if err := s.notifyTo(rec.SessionID, mcp.MethodNotifTaskStatus, params); err != nil {
		s.logger.Debug("task status dropped", "task_id", rec.ID, "error", err)
	}
}

// reportProgress pushes notifications/progress for an in-flight call.
// Calls whose request carried no progress token stay silent.
func (s *Server) reportProgress(sessionID, requestKey string, progress, total float64, message string) {
	token, ok := s.tracker.progressToken(sessionID, requestKey)
	if !ok {
		return
	}
	params := mcp.ProgressParams{ProgressToken: token, Progress: progress, Message: message}
	if total > 0 {
		params.Total = &total
	}
	if err := s.notifyTo(sessionID, mcp.MethodNotifProgress, params); err != nil {
		s.logger.Debug("progress notification dropped", "session", sessionID, "error", err)
	}
}

// Log pushes a notifications/message record to every session whose
// minimum level admits it. Sessions choose their level with
// logging/setLevel; the default is info.
func (s *Server) Log(level mcp.LogLevel, logger string, data any) {
	if !level.Valid() {
		return
	}
	if s.pusherRef() == nil {
		return
	}
	payload, err := marshalNotification(mcp.MethodNotifMessage, mcp.LogMessageParams{Level: level, Logger: logger, Data: data})
	if err != nil {
		return
	}
	for _, id := range s.sessions.IDs() {
		if level.Severity() < s.sessions.LogLevel(id).Severity() {
			continue
		}
		if err := s.pushTo(id, payload); err != nil {
			s.logger.Debug("log notification dropped", "session", id, "error", err)
		}
	}
}

// capabilities assembles the advertised capability blocks. Registry
// backed blocks appear only when the matching registry is non-empty.
func (s *Server) capabilities() mcp.ServerCapabilities {
	caps := mcp.ServerCapabilities{
		Logging:     &struct{}{},
		Sampling:    &struct{}{},
		Elicitation: &struct{}{},
		Completions: &struct{}{},
	}
	if s.tools.count() > 0 || s.pipelines.count() > 0 {
		caps.Tools = &mcp.ToolsCapability{ListChanged: true}
	}
	if s.resources.count() > 0 || s.templates.count() > 0 {
		caps.Resources = &mcp.ResourcesCapability{Subscribe: true, ListChanged: true}
	}
	if s.prompts.count() > 0 {
		caps.Prompts = &mcp.PromptsCapability{ListChanged: true}
	}
	if s.roots.count() > 0 {
		caps.Roots = &mcp.RootsCapability{}
	}
	if s.tasksOn {
		caps.Tasks = &mcp.TasksCapability{List: true, Cancel: true}
	}
	return caps
}

// RegisterTool adds a tool to the registry. A CacheTTL on the
// definition also registers the tool with the result cache.
func (s *Server) RegisterTool(def ToolDef) error {
	if err := s.tools.register(def); err != nil {
		return err
	}
	if def.CacheTTL > 0 {
		s.cache.SetToolTTL(def.Name, def.CacheTTL)
	}
	s.logger.Debug("registered tool", "name", def.Name)
	return nil
}

// RegisterSimpleTool wires a plain string handler under a generated
// object schema with no declared properties.
func (s *Server) RegisterSimpleTool(name, description string, fn SimpleFunc) error {
	return s.RegisterTool(ToolDef{Name: name, Description: description, Handler: fn})
}

// RemoveTool drops a tool, its cached results, and its group
// memberships. Reports whether the tool existed.
func (s *Server) RemoveTool(name string) bool {
	if !s.tools.remove(name) {
		return false
	}
	s.cache.SetToolTTL(name, 0)
	s.cache.Invalidate(name)
	s.groups.removeTool(name)
	s.logger.Debug("removed tool", "name", name)
	return true
}

// EnableTool re-enables a disabled tool.
func (s *Server) EnableTool(name string) error {
	return s.tools.setEnabled(name, true)
}

// DisableTool hides a tool from listing and calling without removing
// its registration.
func (s *Server) DisableTool(name string) error {
	return s.tools.setEnabled(name, false)
}

// RegisterResource adds a static resource.
func (s *Server) RegisterResource(def ResourceDef) error {
	if err := s.resources.register(def); err != nil {
		return err
	}
	s.logger.Debug("registered resource", "uri", def.URI)
	return nil
}

// RemoveResource drops a resource. Reports whether it existed.
func (s *Server) RemoveResource(uri string) bool {
	return s.resources.remove(uri)
}

// RegisterTemplate adds a parameterized resource template.
func (s *Server) RegisterTemplate(def TemplateDef) error {
	if err := s.templates.register(def); err != nil {
		return err
	}
	s.logger.Debug("registered resource template", "template", def.URITemplate)
	return nil
}

// RemoveTemplate drops a resource template. Reports whether it existed.
func (s *Server) RemoveTemplate(uriTemplate string) bool {
	return s.templates.remove(uriTemplate)
}

// RegisterPrompt adds a prompt.
func (s *Server) RegisterPrompt(def PromptDef) error {
	if err := s.prompts.register(def); err != nil {
		return err
	}
	s.logger.Debug("registered prompt", "name", def.Name)
	return nil
}

// RemovePrompt drops a prompt. Reports whether it existed.
func (s *Server) RemovePrompt(name string) bool {
	return s.prompts.remove(name)
}

// AddRoot exposes a root URI through roots/list.
func (s *Server) AddRoot(uri, name string) error {
	return s.roots.add(mcp.Root{URI: uri, Name: name})
}

// RemoveRoot drops a root. Reports whether it existed.
func (s *Server) RemoveRoot(uri string) bool {
	return s.roots.remove(uri)
}

// CancelTask cancels a running task from the host side, e.g. on
// shutdown. Terminal tasks return task.ErrAlreadyTerminal.
func (s *Server) CancelTask(ctx context.Context, taskID, reason string) error {
	if !s.tasksOn {
		return task.ErrNotFound
	}
	return s.tasks.Cancel(ctx, taskID, reason)
}
