package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"aichatserver/internal/auth"
	"aichatserver/internal/chat"
	"aichatserver/internal/identity"
	"aichatserver/internal/protocol"

	"github.com/sirupsen/logrus"
)

// maxLineBytes bounds a single request line; anything longer fails the read
// instead of growing the buffer without limit.
const maxLineBytes = 1 << 20

type IdentityService interface {
	Register(ctx context.Context, username, email, password string) (*identity.User, error)
	Authenticate(ctx context.Context, username, password string) (*identity.User, error)
	UserID(ctx context.Context, username string) (int64, error)
}

type ChatService interface {
	CreateSession(ctx context.Context, userID int64, name string) (int64, error)
	ListSessions(ctx context.Context, userID int64) ([]chat.Session, error)
	SessionBelongsToUser(ctx context.Context, sessionID, userID int64) (bool, error)
	SessionExists(ctx context.Context, sessionID int64) (bool, error)
	SessionIDByName(ctx context.Context, userID int64, name string) (int64, error)
	AppendExchange(ctx context.Context, sessionID int64, userText, assistantText string) error
	History(ctx context.Context, sessionID int64) ([]chat.Message, error)
}

type Completer interface {
	Complete(ctx context.Context, history []chat.Message, userMessage string) (string, error)
}

// Handler owns one connection. It reads one JSON request per line, answers
// with one JSON response per line, and tracks the connection's authenticated
// identity and active session. All of its state is confined to the one
// goroutine running Handle.
type Handler struct {
	conn      net.Conn
	identity  IdentityService
	chat      ChatService
	completer Completer

	signingKey string
	tokenTTL   time.Duration

	log *logrus.Entry

	userID        int64
	username      string
	activeSession int64

	// sessionIDs caches name -> id lookups for this connection only. The
	// store stays authoritative for existence and ownership checks.
	sessionIDs map[string]int64
}

func NewHandler(conn net.Conn, id string, identitySvc IdentityService, chatSvc ChatService, completer Completer, signingKey string, tokenTTL time.Duration) *Handler {
	return &Handler{
		conn:       conn,
		identity:   identitySvc,
		chat:       chatSvc,
		completer:  completer,
		signingKey: signingKey,
		tokenTTL:   tokenTTL,
		log: logrus.WithFields(logrus.Fields{
			"conn":   id,
			"remote": conn.RemoteAddr().String(),
		}),
		sessionIDs: make(map[string]int64),
	}
}

// Handle runs the request/response loop until the peer disconnects, a fatal
// read error occurs, or ctx is cancelled. Cancellation interrupts the blocked
// read via a read deadline; a request already being processed finishes and
// its response is written before the loop exits.
func (h *Handler) Handle(ctx context.Context) {
	defer h.conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = h.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	scanner := bufio.NewScanner(h.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	encoder := json.NewEncoder(h.conn)

	h.log.Debug("Client connected")

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		resp := h.dispatch(ctx, line)
		if err := encoder.Encode(resp); err != nil {
			h.log.Debugf("Failed to write response, closing connection: %v", err)
			return
		}

		if ctx.Err() != nil {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		h.log.Debugf("Connection read ended: %v", err)
	}
	h.log.Debug("Client disconnected")
}

// dispatch parses one request line and routes it to the action handler. Every
// failure, including a panic in a handler, becomes a success:false response;
// nothing thrown here ever terminates the connection.
func (h *Handler) dispatch(ctx context.Context, line []byte) (resp any) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("Panic while processing request: %v", r)
			resp = protocol.Fail(protocol.CodeInternal, "Internal server error")
		}
	}()

	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		h.log.Debugf("Malformed request line: %v", err)
		return protocol.Fail(protocol.CodeBadRequest, "Malformed request")
	}
	if req.Action == "" {
		return protocol.Fail(protocol.CodeBadRequest, "Missing action field")
	}

	switch req.Action {
	case protocol.ActionLogin:
		return h.handleLogin(ctx, &req)
	case protocol.ActionRegister:
		return h.handleRegister(ctx, &req)
	case protocol.ActionCreateSession:
		return h.handleCreateSession(ctx, &req)
	case protocol.ActionSelectSession:
		return h.handleSelectSession(ctx, &req)
	case protocol.ActionGetSessions:
		return h.handleGetSessions(ctx, &req)
	case protocol.ActionGetSessionID:
		return h.handleGetSessionID(ctx, &req)
	case protocol.ActionSendMessage:
		return h.handleSendMessage(ctx, &req)
	case protocol.ActionGetHistory:
		return h.handleGetHistory(ctx, &req)
	default:
		return protocol.Fail(protocol.CodeUnknownAction, "Unknown action")
	}
}

func (h *Handler) authenticated() bool {
	return h.userID > 0
}

// requireSameUser rejects requests that carry a username other than the one
// this connection authenticated as. An absent username means the caller
// relies on the connection identity, which is fine.
func (h *Handler) requireSameUser(username string) bool {
	return username == "" || username == h.username
}

func (h *Handler) setIdentity(userID int64, username string) {
	h.userID = userID
	h.username = username
	h.log = h.log.WithField("username", username)
}

func (h *Handler) handleLogin(ctx context.Context, req *protocol.Request) any {
	if req.Token != "" {
		claims, err := auth.ValidateToken(req.Token, h.signingKey)
		if err != nil {
			h.log.Debugf("Token login failed: %v", err)
			return protocol.Fail(protocol.CodeUnauthorized, "Invalid or expired token")
		}
		h.setIdentity(claims.UserID, claims.Username)
		h.log.Info("Client authenticated by token")
		return protocol.LoginResponse{Response: protocol.OK(), Token: req.Token}
	}

	user, err := h.identity.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.log.Infof("Login failed for user %q", req.Username)
			return protocol.Fail(protocol.CodeUnauthorized, "Invalid username or password")
		}
		h.log.Errorf("Authentication error for user %q: %v", req.Username, err)
		return protocol.Fail(protocol.CodeInternal, "Authentication error")
	}

	h.setIdentity(user.ID, user.Username)
	h.log.Info("Client authenticated")

	token, err := auth.GenerateToken(user.ID, user.Username, h.signingKey, h.tokenTTL)
	if err != nil {
		// Login itself succeeded; the client just cannot resume by token.
		h.log.Warnf("Failed to issue session token: %v", err)
		return protocol.LoginResponse{Response: protocol.OK()}
	}
	return protocol.LoginResponse{Response: protocol.OK(), Token: token}
}

func (h *Handler) handleRegister(ctx context.Context, req *protocol.Request) any {
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return protocol.Fail(protocol.CodeBadRequest, "Missing registration fields")
	}

	_, err := h.identity.Register(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrUserAlreadyExists) {
			return protocol.Fail(protocol.CodeBadRequest, "Username or email already exists")
		}
		h.log.Errorf("Registration failed for user %q: %v", req.Username, err)
		return protocol.Fail(protocol.CodePersistence, "Registration failed")
	}
	return protocol.OK()
}

func (h *Handler) handleCreateSession(ctx context.Context, req *protocol.Request) any {
	if !h.authenticated() {
		return protocol.Fail(protocol.CodeUnauthorized, "Login required")
	}
	if !h.requireSameUser(req.Username) {
		return protocol.Fail(protocol.CodeUnauthorized, "Cannot act for another user")
	}

	sessionID, err := h.chat.CreateSession(ctx, h.userID, req.SessionName)
	if err != nil {
		h.log.Errorf("Failed to create session: %v", err)
		return protocol.Fail(protocol.CodePersistence, "Error creating session")
	}

	name := strings.TrimSpace(req.SessionName)
	if name == "" {
		name = chat.DefaultSessionName
	}
	h.sessionIDs[name] = sessionID
	h.activeSession = sessionID

	return protocol.SessionResponse{Response: protocol.OK(), SessionID: sessionID}
}

func (h *Handler) handleSelectSession(ctx context.Context, req *protocol.Request) any {
	if !h.authenticated() {
		return protocol.Fail(protocol.CodeUnauthorized, "Login required")
	}

	belongs, err := h.chat.SessionBelongsToUser(ctx, req.SessionID, h.userID)
	if err != nil {
		h.log.Errorf("Failed to validate session %d: %v", req.SessionID, err)
		return protocol.Fail(protocol.CodePersistence, "Session validation failed")
	}
	if !belongs {
		return protocol.Fail(protocol.CodeNotFound, "Session not found")
	}

	h.activeSession = req.SessionID
	return protocol.OK()
}

func (h *Handler) handleGetSessions(ctx context.Context, req *protocol.Request) any {
	if !h.authenticated() {
		return protocol.Fail(protocol.CodeUnauthorized, "Login required")
	}
	if !h.requireSameUser(req.Username) {
		return protocol.Fail(protocol.CodeUnauthorized, "Cannot act for another user")
	}

	sessions, err := h.chat.ListSessions(ctx, h.userID)
	if err != nil {
		h.log.Errorf("Failed to list sessions: %v", err)
		return protocol.Fail(protocol.CodePersistence, "Error retrieving sessions")
	}

	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		h.sessionIDs[s.Name] = s.ID
		infos = append(infos, protocol.SessionInfo{
			ID:      s.ID,
			Name:    s.Name,
			Created: s.CreatedAt.Format(time.RFC3339),
		})
	}
	return protocol.SessionsResponse{Response: protocol.OK(), Sessions: infos}
}

func (h *Handler) handleGetSessionID(ctx context.Context, req *protocol.Request) any {
	if !h.authenticated() {
		return protocol.Fail(protocol.CodeUnauthorized, "Login required")
	}
	if !h.requireSameUser(req.Username) {
		return protocol.Fail(protocol.CodeUnauthorized, "Cannot act for another user")
	}
	if req.SessionName == "" {
		return protocol.Fail(protocol.CodeBadRequest, "Missing sessionName field")
	}

	if sessionID, ok := h.sessionIDs[req.SessionName]; ok {
		return protocol.SessionResponse{Response: protocol.OK(), SessionID: sessionID}
	}

	sessionID, err := h.chat.SessionIDByName(ctx, h.userID, req.SessionName)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			return protocol.Fail(protocol.CodeNotFound, "Session not found")
		}
		h.log.Errorf("Failed to look up session %q: %v", req.SessionName, err)
		return protocol.Fail(protocol.CodePersistence, "Session lookup failed")
	}

	h.sessionIDs[req.SessionName] = sessionID
	return protocol.SessionResponse{Response: protocol.OK(), SessionID: sessionID}
}

func (h *Handler) handleSendMessage(ctx context.Context, req *protocol.Request) any {
	if !h.authenticated() {
		return protocol.Fail(protocol.CodeUnauthorized, "Login required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return protocol.Fail(protocol.CodeBadRequest, "Missing message field")
	}

	sessionID := req.SessionID
	if sessionID <= 0 {
		sessionID = h.activeSession
	}

	if sessionID <= 0 {
		// No session selected: provision one for the caller rather than
		// rejecting the message.
		created, err := h.chat.CreateSession(ctx, h.userID, chat.DefaultSessionName)
		if err != nil {
			h.log.Errorf("Failed to create chat session: %v", err)
			return protocol.Fail(protocol.CodePersistence, "Failed to create chat session")
		}
		h.sessionIDs[chat.DefaultSessionName] = created
		sessionID = created
		h.log.Infof("Auto-created session %d for message handling", created)
	} else {
		belongs, err := h.chat.SessionBelongsToUser(ctx, sessionID, h.userID)
		if err != nil {
			h.log.Errorf("Failed to validate session %d: %v", sessionID, err)
			return protocol.Fail(protocol.CodePersistence, "Session validation failed")
		}
		if !belongs {
			return protocol.Fail(protocol.CodeNotFound, "Session not found")
		}
	}

	history, err := h.chat.History(ctx, sessionID)
	if err != nil {
		h.log.Errorf("Failed to load history for session %d: %v", sessionID, err)
		return protocol.Fail(protocol.CodePersistence, "History retrieval error")
	}

	reply, err := h.completer.Complete(ctx, history, req.Message)
	if err != nil {
		// Nothing is persisted on a bridge failure, so a retried request
		// starts from the same history.
		h.log.Errorf("Completion failed for session %d: %v", sessionID, err)
		return protocol.Fail(protocol.CodeCompletion, "AI completion failed")
	}

	if err := h.chat.AppendExchange(ctx, sessionID, req.Message, reply); err != nil {
		h.log.Errorf("Failed to store exchange for session %d: %v", sessionID, err)
		return protocol.Fail(protocol.CodePersistence, "Error saving message")
	}

	h.activeSession = sessionID
	return protocol.MessageResponse{Response: protocol.OK(), AIResponse: reply, SessionID: sessionID}
}

func (h *Handler) handleGetHistory(ctx context.Context, req *protocol.Request) any {
	if !h.authenticated() {
		return protocol.Fail(protocol.CodeUnauthorized, "Login required")
	}
	if req.SessionID <= 0 {
		return protocol.Fail(protocol.CodeBadRequest, "Missing sessionId field")
	}

	belongs, err := h.chat.SessionBelongsToUser(ctx, req.SessionID, h.userID)
	if err != nil {
		h.log.Errorf("Failed to validate session %d: %v", req.SessionID, err)
		return protocol.Fail(protocol.CodePersistence, "Session validation failed")
	}
	if !belongs {
		return protocol.Fail(protocol.CodeNotFound, "Session not found")
	}

	messages, err := h.chat.History(ctx, req.SessionID)
	if err != nil {
		h.log.Errorf("Failed to load history for session %d: %v", req.SessionID, err)
		return protocol.Fail(protocol.CodePersistence, "History retrieval error")
	}

	items := make([]protocol.HistoryItem, 0, len(messages))
	for _, m := range messages {
		items = append(items, protocol.HistoryItem{
			MessageID:     m.ID,
			SessionID:     m.SessionID,
			Content:       m.Content,
			IsUserMessage: m.Role == chat.RoleUser,
			Timestamp:     m.CreatedAt.Format(time.RFC3339),
		})
	}
	return protocol.HistoryResponse{Response: protocol.OK(), History: items}
}
