// Package server implements the bearer-authenticated, loopback-only
// JSON-over-HTTP action dispatcher that external processes use to
// reach the vault.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/lockboxhq/secretd/internal/approval"
	"github.com/lockboxhq/secretd/internal/crypto"
	"github.com/lockboxhq/secretd/internal/kernelerr"
	"github.com/lockboxhq/secretd/internal/logger"
	"github.com/lockboxhq/secretd/internal/vault"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Server is the loopback access server. It owns the handshake file and
// is reachable only after the caller has confirmed a valid local
// entitlement and unlocked the vault.
type Server struct {
	dir     string
	store   *vault.Store
	logger  *logger.Logger
	broker  approval.Broker
	version string

	mu         sync.Mutex
	authToken  string
	listener   net.Listener
	http       *http.Server
	onActivity func()
}

// OnActivity registers a callback invoked after every successfully
// authenticated request, before dispatch. The kernel uses this to reset
// the idle-lock timer on any user-initiated action.
func (s *Server) OnActivity(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onActivity = fn
}

// New returns a Server bound to the given vault directory. Start must
// be called before it accepts connections.
func New(dir string, store *vault.Store, log *logger.Logger, broker approval.Broker, version string) *Server {
	return &Server{dir: dir, store: store, logger: log, broker: broker, version: version}
}

// Start binds an ephemeral loopback port, generates a fresh bearer
// token, and publishes the handshake file. It returns once the listener
// is bound; request handling runs in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("server: generate token: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	s.authToken = token
	s.listener = listener
	s.http = &http.Server{Handler: http.HandlerFunc(s.handle)}

	go func() {
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server: serve stopped: %v\n", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	return writeHandshake(s.dir, Handshake{
		Host:      "localhost",
		Port:      port,
		AuthToken: token,
		PID:       os.Getpid(),
	})
}

// Addr returns the bound loopback address, or "" if Start hasn't run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// AuthToken returns the bearer token generated by Start.
func (s *Server) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

// Close shuts the server down gracefully and deletes the handshake file.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.http
	s.mu.Unlock()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
	}
	return removeHandshake(s.dir)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type requestEnvelope struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type responseEnvelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	setLoopbackCORS(w, r)

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	onActivity := s.onActivity
	s.mu.Unlock()
	if onActivity != nil {
		onActivity()
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	var req requestEnvelope
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusInternalServerError, responseEnvelope{
			Success: false, Error: "malformed request body",
		})
		return
	}

	resp := s.dispatch(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

// setLoopbackCORS allows cross-origin requests only when the Origin
// header names a loopback host. Any other origin gets no CORS headers
// at all.
func setLoopbackCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	u, err := url.Parse(origin)
	if err != nil {
		return
	}
	host := u.Hostname()
	if host != "localhost" && !net.ParseIP(host).IsLoopback() {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, resp responseEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	presented := header[len(prefix):]

	s.mu.Lock()
	expected := s.authToken
	s.mu.Unlock()

	return constantTimeEqualHex(presented, expected)
}

func (s *Server) dispatch(ctx context.Context, req requestEnvelope) responseEnvelope {
	if req.Action == "status" {
		return responseEnvelope{Success: true, Data: map[string]any{
			"isUnlocked": s.store.IsUnlocked(),
			"version":    s.version,
		}}
	}

	if !s.store.IsUnlocked() {
		return responseEnvelope{Success: false, Error: "Vault is locked"}
	}

	switch req.Action {
	case "listProjects":
		return s.handleListProjects()
	case "listSecretKeys":
		return s.handleListSecretKeys(ctx, req.Data)
	case "getAllSecrets":
		return s.handleGetAllSecrets(ctx, req.Data)
	case "getBatchSecrets":
		return s.handleGetBatchSecrets(ctx, req.Data)
	case "getSecret":
		return s.handleGetSecret(ctx, req.Data)
	case "setSecret":
		return s.handleSetSecret(ctx, req.Data)
	default:
		return responseEnvelope{Success: false, Error: "unknown action: " + req.Action}
	}
}

func fail(err error) responseEnvelope {
	return responseEnvelope{Success: false, Error: err.Error()}
}

func (s *Server) handleListProjects() responseEnvelope {
	projects, err := s.store.GetProjects()
	if err != nil {
		return fail(err)
	}
	return responseEnvelope{Success: true, Data: projects}
}

type projectRequest struct {
	ProjectName string `json:"projectName"`
}

func (s *Server) handleListSecretKeys(ctx context.Context, raw json.RawMessage) responseEnvelope {
	var req projectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(kernelerr.New(kernelerr.KindTransport, "malformed data"))
	}

	keys, err := s.store.GetSecretKeys(req.ProjectName)
	if err != nil {
		return fail(err)
	}

	if decision, err := s.approve(ctx, req.ProjectName, keys, approval.ActionRead); err != nil || !decision.Approved {
		return denied(err, decision)
	}

	return responseEnvelope{Success: true, Data: keys}
}

func (s *Server) handleGetAllSecrets(ctx context.Context, raw json.RawMessage) responseEnvelope {
	var req projectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(kernelerr.New(kernelerr.KindTransport, "malformed data"))
	}

	keys, err := s.store.GetSecretKeys(req.ProjectName)
	if err != nil {
		return fail(err)
	}

	if decision, err := s.approve(ctx, req.ProjectName, keys, approval.ActionRead); err != nil || !decision.Approved {
		return denied(err, decision)
	}

	secrets, err := s.store.GetSecrets(req.ProjectName)
	if err != nil {
		return fail(err)
	}
	return responseEnvelope{Success: true, Data: secrets}
}

type batchSecretsRequest struct {
	ProjectName string   `json:"projectName"`
	Keys        []string `json:"keys"`
}

func (s *Server) handleGetBatchSecrets(ctx context.Context, raw json.RawMessage) responseEnvelope {
	var req batchSecretsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(kernelerr.New(kernelerr.KindTransport, "malformed data"))
	}

	if decision, err := s.approve(ctx, req.ProjectName, req.Keys, approval.ActionRead); err != nil || !decision.Approved {
		return denied(err, decision)
	}

	all, err := s.store.GetSecrets(req.ProjectName)
	if err != nil {
		return fail(err)
	}

	out := make(map[string]vault.SecretView, len(req.Keys))
	for _, k := range req.Keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return responseEnvelope{Success: true, Data: out}
}

type secretKeyRequest struct {
	ProjectName string `json:"projectName"`
	Key         string `json:"key"`
}

func (s *Server) handleGetSecret(ctx context.Context, raw json.RawMessage) responseEnvelope {
	var req secretKeyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(kernelerr.New(kernelerr.KindTransport, "malformed data"))
	}

	if decision, err := s.approve(ctx, req.ProjectName, []string{req.Key}, approval.ActionRead); err != nil || !decision.Approved {
		return denied(err, decision)
	}

	view, err := s.store.GetSecret(req.ProjectName, req.Key)
	if err != nil {
		return fail(err)
	}
	return responseEnvelope{Success: true, Data: view}
}

type setSecretRequest struct {
	ProjectName string `json:"projectName"`
	Key         string `json:"key"`
	Value       string `json:"value"`
}

func (s *Server) handleSetSecret(ctx context.Context, raw json.RawMessage) responseEnvelope {
	var req setSecretRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(kernelerr.New(kernelerr.KindTransport, "malformed data"))
	}

	if decision, err := s.approve(ctx, req.ProjectName, []string{req.Key}, approval.ActionWrite); err != nil || !decision.Approved {
		return denied(err, decision)
	}

	if err := s.store.SetSecret(req.ProjectName, req.Key, req.Value, nil); err != nil {
		return fail(err)
	}
	return responseEnvelope{Success: true, Data: map[string]any{}}
}

func (s *Server) approve(ctx context.Context, projectName string, keys []string, action approval.Action) (approval.Decision, error) {
	if len(keys) == 0 {
		return approval.Decision{Approved: true}, nil
	}
	return s.broker.RequestApproval(ctx, projectName, keys, action)
}

func denied(err error, decision approval.Decision) responseEnvelope {
	if err != nil {
		return fail(err)
	}
	reason := decision.Reason
	if reason == "" {
		reason = "request denied"
	}
	return responseEnvelope{Success: false, Error: "Access denied: " + reason}
}

// constantTimeEqualHex compares the presented bearer token against the
// expected one in constant time.
func constantTimeEqualHex(a, b string) bool {
	return crypto.ConstantTimeEqual([]byte(a), []byte(b))
}
