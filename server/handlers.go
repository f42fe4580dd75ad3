package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/trace-labs/didtrace/identity"
	"github.com/trace-labs/didtrace/messaging"
	"github.com/trace-labs/didtrace/packet"
)

const fetchLimit = 50

type sendMessageRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type pingRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type flowResponse struct {
	Status        string `json:"status"`
	EventsCount   int    `json:"events_count"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIdentities(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]identity.Info)
	for _, id := range s.identities.All() {
		out[strings.ToLower(id.Alias)] = id.Info()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}

	events, err := s.flows.SendMessage(r.Context(), req.From, req.To, req.Body)
	if err != nil {
		s.logger.Error("send message flow failed", "from", req.From, "to", req.To, "error", err)
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flowResponse{
		Status:        "delivered",
		EventsCount:   len(events),
		CorrelationID: correlationOf(events),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}

	events, err := s.flows.TrustPing(r.Context(), req.From, req.To)
	if err != nil {
		s.logger.Error("trust ping flow failed", "from", req.From, "to", req.To, "error", err)
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flowResponse{
		Status:        "pong_received",
		EventsCount:   len(events),
		CorrelationID: correlationOf(events),
	})
}

func (s *Server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	alias := r.PathValue("alias")
	id, err := s.identities.Resolve(alias)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown alias: "+alias, "")
		return
	}

	stored, err := s.client.FetchStored(r.Context(), id.DID, fetchLimit)
	if err != nil {
		s.logger.Error("fetch stored messages failed", "alias", alias, "error", err)
		writeError(w, http.StatusBadGateway, err.Error(), "fetch_messages")
		return
	}
	if stored == nil {
		stored = []messaging.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": stored})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.flows.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func correlationOf(events []packet.Event) string {
	if len(events) == 0 {
		return ""
	}
	return events[0].CorrelationID
}
