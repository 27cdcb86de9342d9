package notify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Route addresses one topic: a chat and an optional thread inside it.
type Route struct {
	ChatID  string `yaml:"chat_id"`
	TopicID string `yaml:"topic_id"`
}

// Routes maps topics to destinations. The default chat receives topics
// without an explicit route.
type Routes struct {
	DefaultChatID string           `yaml:"chat_id"`
	Topics        map[string]Route `yaml:"topics"`
}

// LoadRoutes reads the yaml routing file.
func LoadRoutes(path string) (*Routes, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notify routes: %w", err)
	}
	var r Routes
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("notify routes %s: %w", path, err)
	}
	if r.Topics == nil {
		r.Topics = map[string]Route{}
	}
	return &r, nil
}

// RoutesFromEnv builds a routing table from the flat env settings: one
// default chat plus per-topic thread ids.
func RoutesFromEnv(defaultChatID string, topicIDs map[string]string) *Routes {
	r := &Routes{DefaultChatID: defaultChatID, Topics: map[string]Route{}}
	for topic, id := range topicIDs {
		r.Topics[topic] = Route{ChatID: defaultChatID, TopicID: id}
	}
	return r
}

// Resolve returns the destination for a topic, falling back to the
// default chat. ok is false when there is nowhere to deliver.
func (r *Routes) Resolve(topic string) (Route, bool) {
	if r == nil {
		return Route{}, false
	}
	if route, ok := r.Topics[topic]; ok && route.ChatID != "" {
		return route, true
	}
	if r.DefaultChatID != "" {
		return Route{ChatID: r.DefaultChatID}, true
	}
	return Route{}, false
}
