// Package memory keeps run notifications in process, for tests and the demo
// mode.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Publisher records published payloads. With a limit only the newest
// messages are kept.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	seq      int
	limit    int
	failWith error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload []byte
}

// New returns a memory Publisher keeping every message.
func New() *Publisher {
	return &Publisher{}
}

// NewBounded keeps at most limit messages, dropping the oldest.
func NewBounded(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// FailWith makes every later Publish return err. Nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish records a copy of payload and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: append([]byte(nil), payload...)})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return id, nil
}

// Messages returns the recorded publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Runs decodes the run notifications sent to topic.
func (p *Publisher) Runs(topic string) ([]backup.RunProgress, error) {
	var out []backup.RunProgress
	for _, msg := range p.Messages() {
		if msg.Topic != topic {
			continue
		}
		var run backup.RunProgress
		if err := json.Unmarshal(msg.Payload, &run); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.ID, err)
		}
		out = append(out, run)
	}
	return out, nil
}
