package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/vigil-net/vigil/internal/model"
	"github.com/vigil-net/vigil/internal/state"
)

// handleBatch serves POST /api/v1/connections/batch. The bearer token
// resolves to exactly one node and the body's node_uuid must match it; a
// token check failure is the only condition that rejects the whole batch.
func (s *Server) handleBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, ok := s.authenticateNode(w, r)
		if !ok {
			return
		}

		var batch model.BatchReport
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			WriteError(w, http.StatusUnprocessableEntity, "SCHEMA_ERROR", "invalid batch body: "+err.Error())
			return
		}
		if batch.NodeUUID == "" || batch.Connections == nil {
			WriteError(w, http.StatusUnprocessableEntity, "SCHEMA_ERROR", "node_uuid and connections are required")
			return
		}
		if batch.NodeUUID != node.UUID {
			s.metrics.AuthFailures.Inc()
			WriteError(w, http.StatusForbidden, "FORBIDDEN", "node_uuid does not match the agent token")
			return
		}

		s.metrics.BatchesTotal.Inc()
		processed, errCount := s.pipeline.ProcessBatch(r.Context(), &batch)
		s.markNodeSeen(node.UUID)

		WriteJSON(w, http.StatusOK, BatchResponse{
			Status:    "ok",
			Processed: processed,
			Errors:    errCount,
			NodeUUID:  node.UUID,
		})
	}
}

// authenticateNode resolves the Authorization header to a node. It writes
// the error response itself when authentication fails.
func (s *Server) authenticateNode(w http.ResponseWriter, r *http.Request) (*model.Node, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if auth == "" || !strings.HasPrefix(auth, prefix) || auth == prefix {
		s.metrics.AuthFailures.Inc()
		WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header")
		return nil, false
	}

	node, err := s.store.GetNodeByAgentToken(auth[len(prefix):])
	if err != nil {
		s.metrics.AuthFailures.Inc()
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusForbidden, "FORBIDDEN", "unknown agent token")
		} else {
			WriteError(w, http.StatusServiceUnavailable, "NOT_CONNECTED", "store unavailable")
		}
		return nil, false
	}
	return node, true
}

func (s *Server) markNodeSeen(nodeUUID string) {
	now := timeNow()
	s.nodeSeen.Store(nodeUUID, now)
	if err := s.store.SetNodeConnected(nodeUUID, true); err != nil {
		log.Printf("[collector] mark node %s connected: %v", nodeUUID, err)
	}
}
