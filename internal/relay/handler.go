package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/phx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// HandleWebSocket upgrades an authenticated request and starts the
// connection's pumps.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apikey")
	if apiKey == "" {
		apiKey = r.Header.Get("apikey")
	}
	if !s.keys.validAPIKey(apiKey) {
		log.Debug("relay: invalid API key", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("relay: upgrade failed", "error", err.Error())
		return
	}

	conn := s.hub.NewConn(ws)
	log.Debug("relay: new connection", "conn_id", conn.ID(), "vsn", r.URL.Query().Get("vsn"))

	go conn.WritePump()
	go conn.ReadPump()
}

// serviceRoleMiddleware admits requests carrying the service_role key in
// the apikey header or as a bearer token.
func (s *Server) serviceRoleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("apikey")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if s.keys.role(key) != RoleService {
			writeError(w, http.StatusUnauthorized, "unauthorized", "service_role key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.hub.Stats())
}

// handleLogs returns the tail of the in-memory log buffer. The lines query
// parameter bounds the count (default 100).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_lines", "lines must be a positive integer")
			return
		}
		n = parsed
	}

	total, capacity, ok := log.GetBufferStats()
	if !ok {
		json.NewEncoder(w).Encode(map[string]any{"enabled": false, "lines": []string{}})
		return
	}
	lines := log.GetBufferedLogs(n)
	if lines == nil {
		lines = []string{}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"enabled":  true,
		"total":    total,
		"capacity": capacity,
		"lines":    lines,
	})
}

// handleChanges accepts one ChangeRecord or an array of them.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	var records []ChangeRecord
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &records); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	} else {
		var rec ChangeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		records = append(records, rec)
	}

	for i := range records {
		if err := records[i].Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_change", err.Error())
			return
		}
	}

	delivered := 0
	for _, rec := range records {
		delivered += s.hub.NotifyChange(rec.Schema, rec.Table, rec.Type, rec.OldRecord, rec.Record)
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"changes": len(records), "delivered": delivered})
}

// BroadcastRequest is the body of the broadcast API.
type BroadcastRequest struct {
	Messages []BroadcastMessage `json:"messages"`
}

// BroadcastMessage is one message of a BroadcastRequest. Topic is the
// channel name without the wire prefix.
type BroadcastMessage struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_broadcast", "no messages")
		return
	}
	for _, m := range req.Messages {
		if m.Topic == "" || m.Event == "" {
			writeError(w, http.StatusBadRequest, "invalid_broadcast", "topic and event are required")
			return
		}
	}

	delivered := 0
	for _, m := range req.Messages {
		delivered += s.hub.Broadcast(phx.Topic(m.Topic), m.Event, m.Payload)
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"messages": len(req.Messages), "delivered": delivered})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
