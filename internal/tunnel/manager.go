package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/audit"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/session"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

// ManagerInterface defines the interface for tunnel management
type ManagerInterface interface {
	// HandleConnection upgrades the request and serves a tunnel bound to a shell session
	HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string)

	// CloseSession closes every tunnel bound to a session
	CloseSession(sessionID string) int
}

// Auditor records tunnel activity
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Manager implements the tunnel.ManagerInterface interface
type Manager struct {
	sessions session.Registry
	audit    Auditor
	upgrader websocket.Upgrader
	timeout  time.Duration
	log      logrus.FieldLogger

	tunnels map[string]*Tunnel
	mutex   sync.RWMutex
}

// Tunnel represents an active WebSocket tunnel
type Tunnel struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Done      chan struct{}
	closeOnce sync.Once
	mutex     sync.Mutex
}

func (t *Tunnel) close() {
	t.closeOnce.Do(func() {
		close(t.Done)
		t.Conn.Close()
	})
}

// NewManager creates a new tunnel manager. timeout bounds each command.
func NewManager(sessions session.Registry, auditor Auditor, timeout time.Duration, log logrus.FieldLogger) *Manager {
	if timeout <= 0 {
		timeout = shell.DefaultTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		sessions: sessions,
		audit:    auditor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		timeout: timeout,
		log:     log.WithField("component", "tunnel"),
		tunnels: make(map[string]*Tunnel),
	}
}

// HandleConnection handles WebSocket upgrade and tunnel creation
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := m.executor(sessionID); err != nil {
		http.Error(w, err.Error(), apperr.HTTPStatus(apperr.CodeOf(err)))
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	tunnel := &Tunnel{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Conn:      conn,
		Done:      make(chan struct{}),
	}

	m.mutex.Lock()
	m.tunnels[tunnel.ID] = tunnel
	m.mutex.Unlock()

	log := m.log.WithFields(logrus.Fields{"session_id": sessionID, "tunnel_id": tunnel.ID})
	log.Info("Tunnel opened")

	defer func() {
		m.mutex.Lock()
		delete(m.tunnels, tunnel.ID)
		m.mutex.Unlock()
		tunnel.close()
		log.Info("Tunnel closed")
	}()

	m.handleTunnelMessages(r.Context(), tunnel, log)
}

// CloseSession closes every tunnel bound to sessionID and returns how many.
func (m *Manager) CloseSession(sessionID string) int {
	m.mutex.Lock()
	var matched []*Tunnel
	for id, t := range m.tunnels {
		if t.SessionID == sessionID {
			matched = append(matched, t)
			delete(m.tunnels, id)
		}
	}
	m.mutex.Unlock()

	for _, t := range matched {
		t.close()
	}
	return len(matched)
}

// Count returns the number of open tunnels.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.tunnels)
}

// handleTunnelMessages processes WebSocket messages until the peer leaves
// or the tunnel is closed.
func (m *Manager) handleTunnelMessages(ctx context.Context, tunnel *Tunnel, log logrus.FieldLogger) {
	for {
		select {
		case <-tunnel.Done:
			return
		default:
		}

		_, message, err := tunnel.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("WebSocket read failed")
			}
			return
		}

		var tunnelMsg types.TunnelMessage
		if err := json.Unmarshal(message, &tunnelMsg); err != nil {
			m.sendError(tunnel, fmt.Sprintf("Invalid message format: %v", err))
			continue
		}

		exec, err := m.executor(tunnel.SessionID)
		if err != nil {
			m.sendError(tunnel, err.Error())
			return
		}

		switch tunnelMsg.Type {
		case "exec":
			m.handleExecRequest(ctx, tunnel, exec, tunnelMsg.Payload)
		case "file":
			m.handleFileRequest(ctx, tunnel, exec, tunnelMsg.Payload)
		default:
			m.sendError(tunnel, fmt.Sprintf("Unknown message type: %s", tunnelMsg.Type))
		}
	}
}

// executor resolves the session on every message so eviction ends the tunnel
// and activity keeps the session alive.
func (m *Manager) executor(sessionID string) (shell.Executor, error) {
	handle, err := m.sessions.Lookup(sessionID, types.SessionShell)
	if err != nil {
		return nil, err
	}
	exec, ok := handle.(shell.Executor)
	if !ok {
		return nil, apperr.Newf(apperr.CodeInternal, "session %s cannot run commands", sessionID)
	}
	return exec, nil
}

// handleExecRequest handles command execution requests
func (m *Manager) handleExecRequest(ctx context.Context, tunnel *Tunnel, exec shell.Executor, payload interface{}) {
	var execReq types.ExecRequest
	if err := decodePayload(payload, &execReq); err != nil || execReq.Command == "" {
		m.sendError(tunnel, "Invalid exec request format")
		return
	}

	timeout := m.timeout
	if execReq.Timeout != "" {
		d, err := time.ParseDuration(execReq.Timeout)
		if err != nil || d <= 0 {
			m.sendError(tunnel, "Invalid exec timeout")
			return
		}
		timeout = d
	}

	result, err := exec.Execute(ctx, commandLine(execReq), timeout)
	m.record(ctx, tunnel, exec, "tunnel.exec", result, err, "")
	if err != nil {
		m.sendError(tunnel, fmt.Sprintf("Command execution failed: %v", err))
		return
	}

	m.sendMessage(tunnel, types.TunnelMessage{
		Type: "exec_response",
		Payload: types.ExecResponse{
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		},
	})
}

// handleFileRequest handles file operation requests
func (m *Manager) handleFileRequest(ctx context.Context, tunnel *Tunnel, exec shell.Executor, payload interface{}) {
	var fileReq types.FileOperation
	if err := decodePayload(payload, &fileReq); err != nil {
		m.sendError(tunnel, "Invalid file request format")
		return
	}

	resp := m.executeFileOperation(ctx, exec, fileReq)
	var opErr error
	if !resp.Success {
		opErr = errors.New(resp.Error)
	}
	m.record(ctx, tunnel, exec, "tunnel.file", nil, opErr, fileReq.Operation+" "+fileReq.Path)

	m.sendMessage(tunnel, types.TunnelMessage{
		Type:    "file_response",
		Payload: resp,
	})
}

// record audits one tunnel operation. Command text and file content are
// never part of the entry.
func (m *Manager) record(ctx context.Context, tunnel *Tunnel, exec shell.Executor, action string, res *shell.Result, err error, detail string) {
	if m.audit == nil {
		return
	}
	entry := audit.Entry{
		SessionID: tunnel.SessionID,
		Action:    action,
		Outcome:   types.OutcomeSuccess,
		Detail:    strings.TrimSpace(detail),
	}
	if h, ok := exec.(interface{ Host() string }); ok {
		entry.Target = h.Host()
	}
	switch {
	case err != nil:
		entry.Outcome = types.OutcomeFailure
		if entry.Detail != "" {
			entry.Detail += ": "
		}
		entry.Detail += err.Error()
	case res != nil:
		entry.Detail = fmt.Sprintf("exit code %d", res.ExitCode)
		if res.ExitCode != 0 {
			entry.Outcome = types.OutcomeFailure
		}
	}
	// Rows are written even when the peer has already gone.
	_ = m.audit.Record(context.WithoutCancel(ctx), entry)
}

// executeFileOperation executes a file operation on the remote host
func (m *Manager) executeFileOperation(ctx context.Context, exec shell.Executor, req types.FileOperation) *types.FileOperationResponse {
	switch req.Operation {
	case "read":
		content, err := shell.ReadFile(ctx, exec, req.Path, m.timeout)
		if err != nil {
			return &types.FileOperationResponse{Success: false, Error: err.Error()}
		}
		return &types.FileOperationResponse{Success: true, Content: content}
	case "list":
		if req.Path == "" {
			return &types.FileOperationResponse{Success: false, Error: "path is required"}
		}
		res, err := exec.Execute(ctx, "ls -la "+shell.RemotePath(req.Path), m.timeout)
		if err != nil {
			return &types.FileOperationResponse{Success: false, Error: err.Error()}
		}
		if res.ExitCode != 0 {
			return &types.FileOperationResponse{Success: false, Error: strings.TrimSpace(res.Stderr)}
		}
		return &types.FileOperationResponse{Success: true, Content: res.Stdout}
	default:
		return &types.FileOperationResponse{
			Success: false,
			Error:   fmt.Sprintf("Unsupported operation: %s", req.Operation),
		}
	}
}

// commandLine quotes each argument; the command itself is passed through so
// callers may use shell syntax.
func commandLine(req types.ExecRequest) string {
	if len(req.Args) == 0 {
		return req.Command
	}
	return req.Command + " " + shellescape.QuoteCommand(req.Args)
}

func decodePayload(payload interface{}, out interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(payloadBytes, out)
}

// Helper methods

func (m *Manager) sendMessage(tunnel *Tunnel, msg types.TunnelMessage) {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()

	messageBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	_ = tunnel.Conn.WriteMessage(websocket.TextMessage, messageBytes)
}

func (m *Manager) sendError(tunnel *Tunnel, errorMsg string) {
	response := types.TunnelMessage{
		Type: "error",
		Payload: map[string]string{
			"error": errorMsg,
		},
	}

	m.sendMessage(tunnel, response)
}
