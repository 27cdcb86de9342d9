package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Sender delivers one rendered message to a destination. Implementations
// must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, route Route, text string) error
}

// LogSender writes messages to the process log. It is the default when no
// delivery endpoint is configured, so operators still see the traffic.
type LogSender struct{}

func (LogSender) Send(_ context.Context, route Route, text string) error {
	log.Printf("[notify] chat=%s topic=%s\n%s", route.ChatID, route.TopicID, text)
	return nil
}

// HTTPSender posts messages as JSON to a relay endpoint.
type HTTPSender struct {
	URL    string
	Client *http.Client
}

func NewHTTPSender(url string) *HTTPSender {
	return &HTTPSender{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPSender) Send(ctx context.Context, route Route, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":  route.ChatID,
		"topic_id": route.TopicID,
		"text":     text,
	})
	if err != nil {
		return fmt.Errorf("notify send marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify send: relay status %d", resp.StatusCode)
	}
	return nil
}
