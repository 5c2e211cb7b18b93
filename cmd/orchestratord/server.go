package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgepilot/orchestrator/internal/appregistry"
	"github.com/forgepilot/orchestrator/internal/broadcaster"
	"github.com/forgepilot/orchestrator/internal/broadcasterauth"
	"github.com/forgepilot/orchestrator/internal/config"
	"github.com/forgepilot/orchestrator/internal/conversation"
	"github.com/forgepilot/orchestrator/internal/deployment"
	"github.com/forgepilot/orchestrator/internal/filemanager"
	"github.com/forgepilot/orchestrator/internal/githubpush"
	"github.com/forgepilot/orchestrator/internal/gitstore"
	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/metrics"
	"github.com/forgepilot/orchestrator/internal/migration"
	"github.com/forgepilot/orchestrator/internal/model"
	"github.com/forgepilot/orchestrator/internal/modelbackend"
	"github.com/forgepilot/orchestrator/internal/operations"
	"github.com/forgepilot/orchestrator/internal/orchestrator"
	"github.com/forgepilot/orchestrator/internal/router"
	"github.com/forgepilot/orchestrator/internal/sandbox"
	"github.com/forgepilot/orchestrator/internal/store"
)

// ServerConfig bundles the collaborators every project's Agent shares.
type ServerConfig struct {
	Addr           string
	DataDir        string
	CfgCtx         config.Context
	Metrics        *metrics.Registry
	PrometheusReg  *prometheus.Registry
	SandboxClient  sandbox.Client
	ModelClient    *modelbackend.Client
	AppRegistry    appregistry.Registry
	Pusher         *githubpush.Pusher
	GitHubCreds    config.GitHubConfig
	AuthSigningKey []byte
}

// projectHandle bundles one project's long-lived, in-memory components.
type projectHandle struct {
	agent       *orchestrator.Agent
	broadcaster *broadcaster.Broadcaster
	router      *router.Router
}

// Server is the orchestrator's HTTP process, grounded on the teacher's
// internal/server.Server (graceful shutdown, CSRF-via-Origin, Go 1.22+
// method+pattern routing) generalized from one pipeline registry to one
// Agent per project.
type Server struct {
	cfg ServerConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server

	runs   *orchestrator.Registry
	authIssuer *broadcasterauth.Issuer

	mu       sync.Mutex
	projects map[string]*projectHandle
}

// NewServer wires cfg's collaborators into a Server ready to ListenAndServe.
func NewServer(cfg ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		baseCtx:  ctx,
		cancel:   cancel,
		runs:     orchestrator.NewRegistry(),
		projects: map[string]*projectHandle{},
	}
	if len(cfg.AuthSigningKey) > 0 {
		s.authIssuer = broadcasterauth.NewIssuer(cfg.AuthSigningKey, 24*time.Hour)
	}
	if cfg.Metrics != nil {
		s.runs.SetMetrics(cfg.Metrics)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	metricsGatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if cfg.PrometheusReg != nil {
		metricsGatherer = cfg.PrometheusReg
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(metricsGatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /projects/{id}/initialize", s.handleInitialize)
	mux.HandleFunc("POST /projects/{id}/generate", s.handleGenerate)
	mux.HandleFunc("POST /projects/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /projects/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /projects/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /projects/{id}/exec", s.handleExec)
	mux.HandleFunc("POST /projects/{id}/github-push", s.handleGitHubPush)
	mux.HandleFunc("GET /projects/{id}/files", s.handleReadFiles)
	mux.HandleFunc("GET /projects/{id}/commits", s.handleListCommits)
	mux.HandleFunc("GET /projects/{id}/commits/{oid}", s.handleShowCommit)
	mux.HandleFunc("GET /projects/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /projects/{id}/conversation/clear", s.handleClearConversation)
	mux.HandleFunc("POST /projects/{id}/name", s.handleUpdateProjectName)
	mux.HandleFunc("POST /projects/{id}/blueprint", s.handleUpdateBlueprint)
	mux.HandleFunc("POST /projects/{id}/deploy/sandbox", s.handleDeployToSandbox)
	mux.HandleFunc("POST /projects/{id}/deploy/cloudflare", s.handleDeployToCloudflare)
	mux.HandleFunc("POST /projects/{id}/screenshot", s.handleCaptureScreenshot)
	mux.HandleFunc("POST /projects/{id}/static-analysis", s.handleRunStaticAnalysis)
	mux.HandleFunc("POST /projects/{id}/runtime-errors", s.handleFetchRuntimeErrors)
	mux.HandleFunc("POST /projects/{id}/files/regenerate", s.handleRegenerateFile)
	mux.HandleFunc("POST /projects/{id}/files/generate", s.handleGenerateFiles)
	mux.HandleFunc("POST /projects/{id}/logs", s.handleGetLogs)
	mux.HandleFunc("POST /projects/{id}/deep-debug", s.handleDeepDebug)
	mux.HandleFunc("POST /projects/{id}/command", s.handleCommand)

	var handler http.Handler = mux
	if s.authIssuer != nil {
		handler = s.authGate(mux)
	}

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		s.Shutdown()
	}()

	s.httpSrv.Addr = s.cfg.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight generation
// runs, spec's ambient graceful-shutdown expectation.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for id := range s.projects {
		s.runs.StopGeneration(id)
	}
	s.mu.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}

// csrfProtect rejects cross-origin POSTs the way the teacher's server does:
// browsers set Origin on cross-origin requests, so checking it blocks
// browser-CSRF while allowing CLI/programmatic callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authGate wraps every non-health/metrics route with JWT verification,
// scoping each bearer token to the project id in the path, spec §6.
func (s *Server) authGate(next http.Handler) http.Handler {
	protected := s.authIssuer.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func statusForError(err error) int {
	switch kerrors.KindOf(err) {
	case kerrors.InvalidArgument:
		return http.StatusBadRequest
	case kerrors.NotFound:
		return http.StatusNotFound
	case kerrors.GenerationInProgress, kerrors.DebugInProgress:
		return http.StatusConflict
	case kerrors.RateLimitExceeded, kerrors.CallLimitExceeded:
		return http.StatusTooManyRequests
	case kerrors.SandboxUnavailable, kerrors.PreviewExpired:
		return http.StatusServiceUnavailable
	case kerrors.LoopDetected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.projects)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "projects": n})
}

// projectHandle looks up or lazily constructs the in-memory Agent for id,
// loading any previously persisted project document, spec §4.1/§4.10.
func (s *Server) projectHandle(ctx context.Context, id string) (*projectHandle, error) {
	s.mu.Lock()
	if ph, ok := s.projects[id]; ok {
		s.mu.Unlock()
		return ph, nil
	}
	s.mu.Unlock()

	projectsDir := filepath.Join(s.cfg.DataDir, "projects")
	persist, err := store.NewFilePersister(projectsDir)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "open project store", err)
	}
	st, err := store.New(ctx, id, persist, migration.New())
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "load project", err)
	}

	git, err := gitstore.New()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "open git store", err)
	}
	files := filemanager.New(git, time.Now)
	git.SetOnFilesChangedCallback(func() { _ = files.SyncFromHead(st.Get()) })

	convDir := filepath.Join(s.cfg.DataDir, "conversations")
	convStore, err := conversation.NewFileStore(convDir)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "open conversation store", err)
	}
	conv := conversation.New(convStore, id)

	b := broadcaster.NewBroadcaster()
	if s.cfg.Metrics != nil {
		b.SetMetrics(s.cfg.Metrics)
	}
	deploy := deployment.New(s.cfg.SandboxClient, nil, b)
	ops := operations.New(s.cfg.ModelClient)

	agent := orchestrator.New(id, orchestrator.Deps{
		Store:       st,
		Conv:        conv,
		Git:         git,
		Files:       files,
		Sandbox:     s.cfg.SandboxClient,
		Ops:         ops,
		Broadcaster: b,
		Deploy:      deploy,
		Pusher:      s.cfg.Pusher,
		Registry:    s.cfg.AppRegistry,
		Runs:        s.runs,
		CfgCtx:      s.cfg.CfgCtx,
		Metrics:     s.cfg.Metrics,
	})

	rtr, err := newProjectRouter(s, agent)
	if err != nil {
		return nil, err
	}

	ph := &projectHandle{agent: agent, broadcaster: b, router: rtr}
	s.mu.Lock()
	s.projects[id] = ph
	s.mu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveProjects.Inc()
	}
	return ph, nil
}

// newProjectRouter builds the MessageRouter (spec §4.9) for one project,
// registering a handler for each client->agent tag that delegates to the
// matching Agent method. Handlers report their outcome as a broadcast
// event rather than an HTTP response body, since Dispatch is fire-and-
// forget from handleCommand's point of view.
func newProjectRouter(s *Server, agent *orchestrator.Agent) (*router.Router, error) {
	rtr, err := router.New()
	if err != nil {
		return nil, err
	}

	emitError := func(action string, err error) error {
		agent.EmitError(action, err)
		return err
	}

	rtr.On("preview", func(raw json.RawMessage) error {
		if _, err := agent.DeployToSandbox(s.baseCtx, nil, true, false, "Preview"); err != nil {
			return emitError("preview", err)
		}
		return nil
	})
	rtr.On("generate_all", func(raw json.RawMessage) error {
		go func() { _ = agent.GenerateAllFiles(s.baseCtx, 5) }()
		return nil
	})
	rtr.On("stop_generation", func(raw json.RawMessage) error {
		if err := agent.StopGeneration(s.baseCtx); err != nil {
			return emitError("stop_generation", err)
		}
		return nil
	})
	rtr.On("resume_generation", func(raw json.RawMessage) error {
		if err := agent.ResumeGeneration(s.baseCtx); err != nil {
			return emitError("resume_generation", err)
		}
		return nil
	})
	rtr.On("clear_conversation", func(raw json.RawMessage) error {
		if err := agent.ClearConversation(s.baseCtx); err != nil {
			return emitError("clear_conversation", err)
		}
		return nil
	})
	rtr.On("user_suggestion", func(raw json.RawMessage) error {
		var payload messageRequest
		if err := json.Unmarshal(raw, &payload); err != nil {
			return emitError("user_suggestion", err)
		}
		if err := agent.QueueUserRequest(s.baseCtx, payload.Text, payload.Images); err != nil {
			return emitError("user_suggestion", err)
		}
		return nil
	})
	rtr.On("get_model_configs", func(raw json.RawMessage) error {
		agent.EmitModelConfigs()
		return nil
	})
	rtr.On("terminal_command", func(raw json.RawMessage) error {
		var payload execRequest
		if err := json.Unmarshal(raw, &payload); err != nil {
			return emitError("terminal_command", err)
		}
		if _, err := agent.ExecCommands(s.baseCtx, payload.Commands, payload.ShouldSave, 60*time.Second); err != nil {
			return emitError("terminal_command", err)
		}
		return nil
	})

	return rtr, nil
}

type initializeRequest struct {
	Query        string               `json:"query"`
	Language     string               `json:"language"`
	Frameworks   []string             `json:"frameworks"`
	Hostname     string               `json:"hostname"`
	TemplateName string               `json:"templateName"`
	Images       []string             `json:"images"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	project, err := ph.agent.Initialize(r.Context(), orchestrator.InitializeRequest{
		Query:        req.Query,
		Language:     req.Language,
		Frameworks:   req.Frameworks,
		Hostname:     req.Hostname,
		TemplateName: req.TemplateName,
		Images:       req.Images,
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, project)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	go func() {
		_ = ph.agent.GenerateAllFiles(s.baseCtx, 5)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "generating"})
}

type messageRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	result, err := ph.agent.HandleUserInput(r.Context(), req.Text, req.Images)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	_ = ph.agent.StopGeneration(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := ph.agent.ResumeGeneration(r.Context()); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type execRequest struct {
	Commands   []string `json:"commands"`
	ShouldSave bool     `json:"shouldSave"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	res, err := ph.agent.ExecCommands(r.Context(), req.Commands, req.ShouldSave, 60*time.Second)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type githubPushRequest struct {
	Token           string `json:"token"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	RepositoryOwner string `json:"repositoryOwner"`
	RepositoryName  string `json:"repositoryName"`
	IsPrivate       bool   `json:"isPrivate"`
}

func (s *Server) handleGitHubPush(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req githubPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Username == "" {
		req.Username = s.cfg.GitHubCreds.Username
	}
	if req.Email == "" {
		req.Email = s.cfg.GitHubCreds.Email
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	res, err := ph.agent.PushToGitHub(r.Context(), orchestrator.PushToGitHubRequest{
		Token:           req.Token,
		Username:        req.Username,
		Email:           req.Email,
		RepositoryOwner: req.RepositoryOwner,
		RepositoryName:  req.RepositoryName,
		IsPrivate:       req.IsPrivate,
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReadFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	paths := r.URL.Query()["path"]
	writeJSON(w, http.StatusOK, ph.agent.ReadFiles(paths))
}

// handleListCommits is spec §4.3's `log` surfaced over HTTP, backing
// SPEC_FULL.md's phase history endpoint.
func (s *Server) handleListCommits(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %v", err))
			return
		}
	}
	commits, err := ph.agent.ListCommits(limit)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

// handleShowCommit is spec §4.3's `show` surfaced over HTTP, backing
// SPEC_FULL.md's phase history endpoint.
func (s *Server) handleShowCommit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	oid := r.PathValue("oid")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	includeDiff := r.URL.Query().Get("diff") == "true"
	res, err := ph.agent.ShowCommit(oid, includeDiff)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	broadcaster.WriteSSE(w, r, ph.broadcaster)
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := ph.agent.ClearConversation(r.Context()); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type updateProjectNameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleUpdateProjectName(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateProjectNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	changed, err := ph.agent.UpdateProjectName(r.Context(), req.Name)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) handleUpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := ph.agent.UpdateBlueprint(r.Context(), patch); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type deployToSandboxRequest struct {
	Files         []sandbox.FileWrite `json:"files"`
	Redeploy      bool                 `json:"redeploy"`
	ClearLogs     bool                 `json:"clearLogs"`
	CommitMessage string               `json:"commitMessage"`
}

func (s *Server) handleDeployToSandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req deployToSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	res, err := ph.agent.DeployToSandbox(r.Context(), req.Files, req.Redeploy, req.ClearLogs, req.CommitMessage)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeployToCloudflare(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	deployedURL, err := ph.agent.DeployToCloudflare(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": deployedURL})
}

type captureScreenshotRequest struct {
	URL        string `json:"url"`
	ViewportW  int    `json:"viewportWidth"`
	ViewportH  int    `json:"viewportHeight"`
}

func (s *Server) handleCaptureScreenshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req captureScreenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	path, err := ph.agent.CaptureScreenshot(r.Context(), req.URL, req.ViewportW, req.ViewportH)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

type staticAnalysisRequest struct {
	Files []string `json:"files"`
}

func (s *Server) handleRunStaticAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req staticAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	res, err := ph.agent.RunStaticAnalysisCode(r.Context(), req.Files)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type fetchRuntimeErrorsRequest struct {
	Clear bool `json:"clear"`
}

func (s *Server) handleFetchRuntimeErrors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req fetchRuntimeErrorsRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	errs, err := ph.agent.FetchRuntimeErrors(r.Context(), req.Clear)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

type regenerateFileRequest struct {
	Path   string        `json:"path"`
	Issues []model.Issue `json:"issues"`
}

func (s *Server) handleRegenerateFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req regenerateFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	file, err := ph.agent.RegenerateFileByPath(r.Context(), req.Path, req.Issues)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, file)
}

type generateFilesRequest struct {
	PhaseName    string               `json:"phaseName"`
	Description  string               `json:"description"`
	Requirements []string             `json:"requirements"`
	Files        []model.FileConcept  `json:"files"`
}

func (s *Server) handleGenerateFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req generateFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	res, err := ph.agent.GenerateFiles(r.Context(), req.PhaseName, req.Description, req.Requirements, req.Files)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type getLogsRequest struct {
	Reset            bool  `json:"reset"`
	DurationSeconds  int64 `json:"durationSeconds"`
}

type deepDebugRequest struct {
	Issue      model.Issue `json:"issue"`
	FocusPaths []string    `json:"focusPaths"`
}

func (s *Server) handleDeepDebug(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req deepDebugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	transcript, err := ph.agent.DeepDebug(r.Context(), orchestrator.DeepDebugRequest{Issue: req.Issue, FocusPaths: req.FocusPaths})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

// handleCommand is the MessageRouter's HTTP surface (spec §4.9): it
// accepts one envelope {"type": "...", ...} and dispatches it through the
// project's Router rather than a dedicated REST route per client tag.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := ph.router.Dispatch(raw); err != nil {
		var unknown *router.ErrUnknownType
		if errors.As(err, &unknown) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req getLogsRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	ph, err := s.projectHandle(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	res, err := ph.agent.GetLogs(r.Context(), req.Reset, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
