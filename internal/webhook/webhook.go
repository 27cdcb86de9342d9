// Package webhook receives control-plane change events. Requests are
// authenticated with a shared secret carried either literally or as an
// HMAC-SHA256 of the body in the X-Remnawave-Signature header.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vigil-net/vigil/internal/config"
	"github.com/vigil-net/vigil/internal/notify"
	"github.com/vigil-net/vigil/internal/syncworker"
)

// SignatureHeader carries the shared secret or the body HMAC.
const SignatureHeader = "X-Remnawave-Signature"

// event is the webhook body shape.
type event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Server is the webhook HTTP listener.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	secret     string
	worker     *syncworker.Worker
	dispatcher *notify.Dispatcher
}

// NewServer creates the webhook listener. dispatcher may be nil.
func NewServer(port int, secret string, worker *syncworker.Worker, dispatcher *notify.Dispatcher) *Server {
	s := &Server{secret: secret, worker: worker, dispatcher: dispatcher}

	mux := http.NewServeMux()
	mux.Handle("POST /webhook", s.handleEvent())
	s.mux = mux

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the listener. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "bad request"})
			return
		}
		if !s.verifySignature(r.Header.Get(SignatureHeader), body) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "invalid signature"})
			return
		}

		var ev event
		if err := json.Unmarshal(body, &ev); err != nil || ev.Event == "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "invalid body"})
			return
		}

		if _, err := s.worker.ApplyEvent(ev.Event, ev.Data); err != nil {
			// Unknown or malformed events are acknowledged anyway; the
			// control plane would only retry them forever.
			log.Printf("[webhook] %s: %v", ev.Event, err)
		} else {
			s.notifyLifecycle(r.Context(), ev)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// verifySignature accepts either the literal secret or the hex HMAC-SHA256
// of the body. Both comparisons are constant time.
func (s *Server) verifySignature(sig string, body []byte) bool {
	if s.secret == "" || sig == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(s.secret)) == 1 {
		return true
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(sig)), []byte(expected)) == 1
}

// notifyLifecycle fans the event out to its operator topic. Violation
// traffic never comes through here, so nothing is throttled.
func (s *Server) notifyLifecycle(ctx context.Context, ev event) {
	if s.dispatcher == nil {
		return
	}
	topic, ok := topicFor(ev.Event)
	if !ok {
		return
	}
	title, oldState := describePayload(ev.Data)
	text := notify.RenderLifecycle(ev.Event, title, stripOldState(ev.Data), oldState)
	s.dispatcher.Dispatch(ctx, topic, text)
}

// stripOldState removes the embedded old_state so it doesn't show up as a
// changed field in its own diff.
func stripOldState(data json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	if json.Unmarshal(data, &m) != nil {
		return data
	}
	if _, ok := m["old_state"]; !ok {
		return data
	}
	delete(m, "old_state")
	clean, err := json.Marshal(m)
	if err != nil {
		return data
	}
	return clean
}

func topicFor(event string) (string, bool) {
	switch {
	case strings.HasPrefix(event, "user_hwid_devices."):
		return config.TopicHWID, true
	case strings.HasPrefix(event, "user."):
		return config.TopicUsers, true
	case strings.HasPrefix(event, "node."), strings.HasPrefix(event, "host."):
		return config.TopicNodes, true
	case strings.HasPrefix(event, "service."):
		return config.TopicService, true
	case strings.HasPrefix(event, "crm."):
		return config.TopicCRM, true
	case strings.HasPrefix(event, "errors."):
		return config.TopicErrors, true
	}
	return "", false
}

// describePayload extracts a display name and the optional old_state from
// an event payload.
func describePayload(data json.RawMessage) (string, json.RawMessage) {
	var p struct {
		Username string          `json:"username"`
		Name     string          `json:"name"`
		UUID     string          `json:"uuid"`
		OldState json.RawMessage `json:"old_state"`
	}
	if json.Unmarshal(data, &p) != nil {
		return "", nil
	}
	switch {
	case p.Username != "":
		return p.Username, p.OldState
	case p.Name != "":
		return p.Name, p.OldState
	}
	return p.UUID, p.OldState
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
