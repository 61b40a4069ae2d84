// Package realtime fans node status updates out to websocket subscribers.
package realtime

import (
	"context"
	"sync"
)

// Status is the lifecycle state of a node within a run.
type Status string

const (
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// StatusUpdate is the payload published on a node type's channel.
type StatusUpdate struct {
	NodeID string `json:"nodeId"`
	Status Status `json:"status"`
}

// TopicStatus is the only topic the engine publishes on.
const TopicStatus = "status"

// Message is the envelope delivered to subscribers.
type Message struct {
	Channel string       `json:"channel"`
	Topic   string       `json:"topic"`
	Data    StatusUpdate `json:"data"`
}

// Publisher delivers status updates. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, channel string, update StatusUpdate) error
}

// Discard is a Publisher that drops every update.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, StatusUpdate) error { return nil }

// Recorder is an in-memory Publisher that keeps every published message.
type Recorder struct {
	mu       sync.Mutex
	messages []Message

	// Err, when set, is returned from every Publish after recording.
	Err error
}

func (r *Recorder) Publish(_ context.Context, channel string, update StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Channel: channel, Topic: TopicStatus, Data: update})
	return r.Err
}

// Messages returns a copy of the recorded messages in publish order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// ForNode returns the statuses recorded for nodeID in publish order.
func (r *Recorder) ForNode(nodeID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, m := range r.messages {
		if m.Data.NodeID == nodeID {
			out = append(out, m.Data.Status)
		}
	}
	return out
}
