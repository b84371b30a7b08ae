package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/whatsapp-automation/chatsync/internal/config"
	"github.com/whatsapp-automation/chatsync/internal/crm"
	"github.com/whatsapp-automation/chatsync/internal/gateway"
)

const version = "1.0"

// Server represents the HTTP API server
type Server struct {
	ProxyConfig *config.ProxyConfig
	service     *crm.Service
	started     time.Time
}

// NewServer creates a new API server
func NewServer(service *crm.Service, proxyConfig *config.ProxyConfig) *Server {
	return &Server{
		ProxyConfig: proxyConfig,
		service:     service,
		started:     time.Now(),
	}
}

// RegisterRoutes registers HTTP routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	// Health
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	// Session
	r.HandleFunc("/session", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/session", s.handleLogout).Methods(http.MethodDelete)
	r.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	// Contacts
	r.HandleFunc("/contacts", s.handleContacts).Methods(http.MethodGet)
	r.HandleFunc("/contacts/{key}/read", s.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/contacts/{key}/avatar", s.handleAvatar).Methods(http.MethodGet)

	// Thread
	r.HandleFunc("/threads/{key}", s.handleOpenThread).Methods(http.MethodPost)
	r.HandleFunc("/thread", s.handleThread).Methods(http.MethodGet)
	r.HandleFunc("/thread", s.handleCloseThread).Methods(http.MethodDelete)
	r.HandleFunc("/thread/text", s.handleSendText).Methods(http.MethodPost)
	r.HandleFunc("/thread/media", s.handleSendMedia).Methods(http.MethodPost)
	r.HandleFunc("/thread/audio", s.handleSendAudio).Methods(http.MethodPost)

	// Instance
	r.HandleFunc("/instance/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/instance/qr.png", s.handleQRCode).Methods(http.MethodGet)
	r.HandleFunc("/instance/restart", s.handleRestart).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": true, "message": message})
}

// writeFailure maps err to a response status.
func writeFailure(w http.ResponseWriter, err error) {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, crm.ErrNoSession), errors.Is(err, crm.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, crm.ErrUnknownContact), errors.Is(err, crm.ErrNoQRCode):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, crm.ErrNoThread):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &gwErr):
		writeError(w, http.StatusBadGateway, gwErr.Message)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) workspace(w http.ResponseWriter) *crm.Workspace {
	ws, err := s.service.Workspace()
	if err != nil {
		writeFailure(w, err)
		return nil
	}
	return ws
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":   true,
		"version":   version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"logged_in": s.service.Current() != nil,
	})
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"logged_in": false,
		"proxy":     s.ProxyConfig.String(),
	}
	if ws := s.service.Current(); ws != nil {
		resp["logged_in"] = true
		resp["workspace"] = ws.Status()
		if p := ws.Pairing(); p != nil {
			resp["pairing"] = p
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /session - Log a tenant in
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req crm.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Tenant == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "tenant, api_key required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	ws, err := s.service.Login(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("tenant", req.Tenant).Msg("login failed")
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"status":   ws.Status(),
		"contacts": ws.Contacts(),
	})
}

// DELETE /session?unlink=true - Log out, optionally unlinking the device
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	unlink, _ := strconv.ParseBool(r.URL.Query().Get("unlink"))

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.service.Logout(ctx, unlink); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// POST /refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	if err := ws.Refresh(ctx); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contacts": ws.Contacts()})
}

// GET /contacts
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}
	contacts := ws.Contacts()
	unread := 0
	for _, c := range contacts {
		unread += c.Unread
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts":     contacts,
		"total_unread": unread,
	})
}

// POST /contacts/{key}/read
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := ws.MarkRead(ctx, mux.Vars(r)["key"]); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GET /contacts/{key}/avatar
func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	url, err := ws.Avatar(ctx, mux.Vars(r)["key"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"avatar_url": url})
}

// POST /threads/{key} - Open a conversation
func (s *Server) handleOpenThread(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}
	key := mux.Vars(r)["key"]

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	messages, err := ws.OpenThread(ctx, key)
	if err != nil {
		writeFailure(w, err)
		return
	}
	current, _, _ := ws.Thread()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":      current,
		"messages": messages,
	})
}

// GET /thread
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}
	key, messages, err := ws.Thread()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":      key,
		"messages": messages,
	})
}

// DELETE /thread
func (s *Server) handleCloseThread(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}
	ws.CloseThread()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// SendTextRequest for POST /thread/text
type SendTextRequest struct {
	Text string `json:"text"`
}

// POST /thread/text
func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req SendTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	ws := s.workspace(w)
	if ws == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	msg, err := ws.SendText(ctx, req.Text)
	s.writeSent(w, msg, err)
}

// SendMediaRequest for POST /thread/media
type SendMediaRequest struct {
	MediaType string `json:"media_type"` // image, video, document or audio
	MimeType  string `json:"mime_type"`
	Media     string `json:"media"` // URL or base64
	FileName  string `json:"file_name"`
	Caption   string `json:"caption"`
}

// POST /thread/media
func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req SendMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	kind := gateway.MediaKind(strings.ToLower(req.MediaType))
	switch kind {
	case gateway.MediaImage, gateway.MediaVideo, gateway.MediaDocument, gateway.MediaAudio:
	default:
		writeError(w, http.StatusBadRequest, "media_type must be image, video, document or audio")
		return
	}
	if req.Media == "" {
		writeError(w, http.StatusBadRequest, "media required")
		return
	}
	ws := s.workspace(w)
	if ws == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	msg, err := ws.SendMedia(ctx, gateway.MediaMessage{
		Kind:     kind,
		MimeType: req.MimeType,
		Media:    req.Media,
		FileName: req.FileName,
		Caption:  req.Caption,
	})
	s.writeSent(w, msg, err)
}

// SendAudioRequest for POST /thread/audio
type SendAudioRequest struct {
	Audio string `json:"audio"` // URL or base64
}

// POST /thread/audio - Send a voice note
func (s *Server) handleSendAudio(w http.ResponseWriter, r *http.Request) {
	var req SendAudioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Audio == "" {
		writeError(w, http.StatusBadRequest, "audio required")
		return
	}
	ws := s.workspace(w)
	if ws == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	msg, err := ws.SendAudio(ctx, req.Audio)
	s.writeSent(w, msg, err)
}

// writeSent reports a send. A rejected send still returns the failed message
// so the UI can render it in error state.
func (s *Server) writeSent(w http.ResponseWriter, msg interface{}, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": msg})
		return
	}
	if errors.Is(err, crm.ErrNoThread) {
		writeFailure(w, err)
		return
	}
	log.Warn().Err(err).Msg("send rejected")
	status := http.StatusBadGateway
	message := err.Error()
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		message = gwErr.Message
	}
	writeJSON(w, status, map[string]interface{}{
		"error":   true,
		"message": message,
		"failed":  msg,
	})
}

// POST /instance/connect - Request a QR code / pairing code
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	result, err := ws.Connect(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := map[string]interface{}{
		"success":      true,
		"status":       result.Status,
		"tenant":       result.Tenant,
		"qr_code":      result.QRCode,
		"pairing_code": result.PairingCode,
		"logged_in":    result.LoggedIn,
	}
	if result.PairingCode != "" {
		resp["instructions"] = "WhatsApp > Settings > Linked Devices > Link with phone number"
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /instance/qr.png?size=512
func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w)
	if ws == nil {
		return
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size > 2048 {
		size = 2048
	}

	png, err := ws.QRCodePNG(size)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// POST /instance/restart
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.service.Restart(ctx); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Restart triggered",
	})
}
