// Package server provides the HTTP server of the MSH.
//
// # AS4 Endpoint
//
// POST /msh receives ebMS3/AS4 messages. Receipts and Error signals are
// returned in the HTTP response; 202 Accepted means there is nothing to
// return.
//
// # Submission API
//
//   - POST /api/messages              - Submit a User Message (JSON)
//   - GET  /api/messages/{messageID}  - Processing state and history
//
// The direction query parameter (IN or OUT) restricts the status query.
// When an OAuth2 JWKS URL is configured the API requires a bearer token.
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /metrics - Prometheus metrics (if enabled)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sirosfoundation/go-msh/internal/auth"
	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/metrics"
	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Server is the MSH HTTP server
type Server struct {
	config  *config.ServerConfig
	msh     *msh.MSH
	metrics *metrics.Metrics
	logger  *slog.Logger
	router  *mux.Router
	httpSrv *http.Server
}

// New creates a new server. met may be nil when metrics are disabled.
func New(cfg *config.ServerConfig, m *msh.MSH, met *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		msh:     m,
		metrics: met,
		logger:  logger,
		router:  mux.NewRouter(),
	}
	s.registerRoutes()

	s.httpSrv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routing handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.config.Address, "tls", s.config.TLS.Enabled)
	var err error
	if s.config.TLS.Enabled {
		err = s.httpSrv.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/msh", s.handleInbound).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	if authn := auth.NewAuthenticator(&s.config.OAuth2, s.logger); authn.IsEnabled() {
		api.Use(authn.Middleware)
	}
	api.HandleFunc("/messages", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/messages/{messageID}", s.handleStatus).Methods(http.MethodGet)

	if s.metrics != nil && s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// AS4 handler

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes()))
	if err != nil {
		s.logger.Warn("failed to read message", "error", err)
		http.Error(w, "message could not be read", http.StatusRequestEntityTooLarge)
		return
	}

	s.logger.Debug("received message",
		"content_type", contentType,
		"content_length", len(body),
		"remote", r.RemoteAddr)

	resp, err := s.msh.Receive(r.Context(), contentType, body)
	switch {
	case errors.Is(err, msh.ErrInvalidMessage):
		s.logger.Warn("invalid message", "error", err)
		http.Error(w, "invalid ebMS message", http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("message processing failed", "error", err)
		http.Error(w, "message processing failed", http.StatusInternalServerError)
		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Body)
}

func (s *Server) maxBodyBytes() int64 {
	if s.config.MaxBodyBytes > 0 {
		return s.config.MaxBodyBytes
	}
	return 100 << 20
}

// Submission API

// PartyRequest identifies a trading partner
type PartyRequest struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
	Role string `json:"role,omitempty"`
}

// PropertyRequest is a message or part property
type PropertyRequest struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// PayloadRequest is a submitted payload. Data is base64 encoded in JSON.
type PayloadRequest struct {
	ContentID   string            `json:"contentId,omitempty"`
	MimeType    string            `json:"mimeType"`
	Containment string            `json:"containment,omitempty"`
	URI         string            `json:"uri,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	Properties  []PropertyRequest `json:"properties,omitempty"`
}

// SubmitRequest is the body of POST /api/messages
type SubmitRequest struct {
	MessageID      string            `json:"messageId,omitempty"`
	RefToMessageID string            `json:"refToMessageId,omitempty"`
	PModeID        string            `json:"pmodeId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Service        string            `json:"service,omitempty"`
	ServiceType    string            `json:"serviceType,omitempty"`
	Action         string            `json:"action,omitempty"`
	From           *PartyRequest     `json:"from,omitempty"`
	To             *PartyRequest     `json:"to,omitempty"`
	Properties     []PropertyRequest `json:"properties,omitempty"`
	Payloads       []PayloadRequest  `json:"payloads,omitempty"`
}

func properties(in []PropertyRequest) []model.Property {
	var out []model.Property
	for _, p := range in {
		out = append(out, model.Property{Name: p.Name, Type: p.Type, Value: p.Value})
	}
	return out
}

func partner(p *PartyRequest) *model.TradingPartner {
	if p == nil {
		return nil
	}
	return &model.TradingPartner{
		PartyIDs: []model.PartyID{{ID: p.ID, Type: p.Type}},
		Role:     p.Role,
	}
}

// unit converts the request into a User Message unit and its payload contents
func (req *SubmitRequest) unit() (*model.MessageUnit, [][]byte) {
	um := &model.UserMessage{
		Sender:     partner(req.From),
		Receiver:   partner(req.To),
		Properties: properties(req.Properties),
	}
	if req.Service != "" || req.Action != "" || req.ConversationID != "" {
		um.CollaborationInfo = &model.CollaborationInfo{
			Action:         req.Action,
			ConversationID: req.ConversationID,
		}
		if req.Service != "" {
			um.CollaborationInfo.Service = &model.Service{Name: req.Service, Type: req.ServiceType}
		}
	}

	var contents [][]byte
	for _, p := range req.Payloads {
		um.Payloads = append(um.Payloads, model.Payload{
			ContentID:   p.ContentID,
			MimeType:    p.MimeType,
			Containment: model.Containment(strings.ToUpper(p.Containment)),
			URI:         p.URI,
			Properties:  properties(p.Properties),
		})
		contents = append(contents, p.Data)
	}

	u := model.NewUserMessageUnit(req.MessageID, um)
	u.RefToMessageID = req.RefToMessageID
	u.PModeID = req.PModeID
	return u, contents
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes())).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, contents := req.unit()
	stored, err := s.msh.Submit(r.Context(), u, contents)
	switch {
	case errors.Is(err, storage.ErrDuplicateMessageID):
		s.jsonError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, msh.ErrInvalidSubmission), errors.Is(err, pmode.ErrPModeNotFound):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("submission failed", "error", err)
		s.jsonError(w, "submission failed", http.StatusInternalServerError)
		return
	}

	if c := auth.ClaimsFromContext(r.Context()); c != nil {
		s.logger.Info("API submission", "message_id", stored.MessageID, "subject", c.Subject)
	}
	s.jsonResponse(w, toStatus(stored), http.StatusAccepted)
}

// StateResponse is one entry of the state history
type StateResponse struct {
	State       model.State `json:"state"`
	Start       time.Time   `json:"start"`
	Description string      `json:"description,omitempty"`
}

// UnitResponse describes a stored message unit
type UnitResponse struct {
	CoreID         string          `json:"coreId"`
	MessageID      string          `json:"messageId"`
	RefToMessageID string          `json:"refToMessageId,omitempty"`
	Kind           model.Kind      `json:"kind"`
	Direction      model.Direction `json:"direction"`
	PModeID        string          `json:"pmodeId,omitempty"`
	State          model.State     `json:"state"`
	History        []StateResponse `json:"history"`
}

func toStatus(u *model.MessageUnit) UnitResponse {
	out := UnitResponse{
		CoreID:         u.CoreID,
		MessageID:      u.MessageID,
		RefToMessageID: u.RefToMessageID,
		Kind:           u.Kind(),
		Direction:      u.Direction,
		PModeID:        u.PModeID,
		State:          u.CurrentState(),
	}
	for _, st := range u.History() {
		out.History = append(out.History, StateResponse{State: st.Name, Start: st.StartTime, Description: st.Description})
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["messageID"]
	direction := model.Direction(strings.ToUpper(r.URL.Query().Get("direction")))
	switch direction {
	case model.DirectionIn, model.DirectionOut, model.DirectionAny:
	default:
		s.jsonError(w, "direction must be IN or OUT", http.StatusBadRequest)
		return
	}

	units, err := s.msh.Status(r.Context(), messageID, direction)
	if errors.Is(err, msh.ErrNotFound) {
		s.jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("status query failed", "message_id", messageID, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]UnitResponse, 0, len(units))
	for _, u := range units {
		out = append(out, toStatus(u))
	}
	s.jsonResponse(w, map[string]interface{}{"messageId": messageID, "units": out}, http.StatusOK)
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
