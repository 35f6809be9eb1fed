package remotetest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/logging"
	"github.com/kimhsiao/judgesync/internal/sync/remote"
)

// Handler returns the HTTP binding of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(remote.PathSessions, s.handleStart).Methods(http.MethodPost)
	r.HandleFunc(remote.PathActions, s.handleAdd).Methods(http.MethodPost)
	r.HandleFunc(remote.PathProcess, s.handleProcess).Methods(http.MethodPost)
	r.HandleFunc(remote.PathAck, s.handleAck).Methods(http.MethodPost)
	r.HandleFunc(remote.PathHeartbeat, s.hub.serve)
	r.HandleFunc("/api/v1/resources/{id}", s.handleResource).Methods(http.MethodGet)
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req remote.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body", err))
		return
	}
	id, err := s.StartSession(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.StartSessionResponse{SessionID: id})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var env remote.ActionEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, errs.Validation("invalid request body", err))
		return
	}
	ack, err := s.addEnvelope(mux.Vars(r)["id"], env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	res, err := s.ProcessSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req remote.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body", err))
		return
	}
	s.MarkSynced(r.Context(), req.ActionIDs)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	res, ok := s.Resource(mux.Vars(r)["id"])
	if !ok {
		writeError(w, errs.New(errs.ErrNotFound, "resource not found"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, errs.Wrap(errs.ErrInternal, "failed to encode response", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(remote.Envelope{Success: true, Data: raw})
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.ErrValidation:
		status = http.StatusUnprocessableEntity
	case errs.ErrPermission:
		status = http.StatusForbidden
	case errs.ErrNotFound:
		status = http.StatusNotFound
	case errs.ErrSessionState:
		status = http.StatusConflict
	case errs.ErrTransientNetwork:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(remote.Envelope{Success: false, Error: err.Error(), Code: code})
}

// heartbeatHub tracks open heartbeat connections so tests can sever them.
type heartbeatHub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	refusing bool
	upgrader websocket.Upgrader
}

func newHeartbeatHub() *heartbeatHub {
	return &heartbeatHub{
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *heartbeatHub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	refusing := h.refusing
	h.mu.Unlock()
	if refusing {
		http.Error(w, "heartbeat unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Heartbeat upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Pings are answered by the default ping handler while reading.
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// DropHeartbeats severs every heartbeat connection and refuses new ones
// until AcceptHeartbeats is called.
func (s *Server) DropHeartbeats() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.refusing = true
	for conn := range s.hub.conns {
		conn.Close()
	}
}

// AcceptHeartbeats lets heartbeat connections in again.
func (s *Server) AcceptHeartbeats() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.refusing = false
}
