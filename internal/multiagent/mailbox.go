package multiagent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osa-ai/osa/pkg/models"
)

// Mailbox is the shared per-swarm ordered channel workers use to
// exchange peer context. Sequence numbers are dense and strictly
// increasing per swarm, starting at 1; the mailbox is cleared when
// its swarm reaches a terminal state.
type Mailbox struct {
	mu     sync.Mutex
	swarms map[string]*swarmBox
}

type swarmBox struct {
	nextSeq  int64
	messages []models.SwarmMessage
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{swarms: make(map[string]*swarmBox)}
}

// Post appends a message to a swarm's mailbox and assigns its seq.
func (m *Mailbox) Post(swarmID, fromAgent, message string) models.SwarmMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.swarms[swarmID]
	if !ok {
		box = &swarmBox{}
		m.swarms[swarmID] = box
	}
	box.nextSeq++
	msg := models.SwarmMessage{
		SwarmID:   swarmID,
		Seq:       box.nextSeq,
		FromAgent: fromAgent,
		Message:   message,
		PostedAt:  time.Now(),
	}
	box.messages = append(box.messages, msg)
	return msg
}

// ReadAll returns all messages for a swarm in seq order.
func (m *Mailbox) ReadAll(swarmID string) []models.SwarmMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.swarms[swarmID]
	if !ok {
		return nil
	}
	out := make([]models.SwarmMessage, len(box.messages))
	copy(out, box.messages)
	return out
}

// ReadFrom returns messages posted by one agent, in seq order.
func (m *Mailbox) ReadFrom(swarmID, fromAgent string) []models.SwarmMessage {
	var out []models.SwarmMessage
	for _, msg := range m.ReadAll(swarmID) {
		if msg.FromAgent == fromAgent {
			out = append(out, msg)
		}
	}
	return out
}

// BuildContext formats a swarm's messages as a peer-context section
// for injection into worker prompts.
func (m *Mailbox) BuildContext(swarmID string) string {
	messages := m.ReadAll(swarmID)
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Peer context\n")
	for _, msg := range messages {
		fmt.Fprintf(&b, "[%d] %s: %s\n", msg.Seq, msg.FromAgent, msg.Message)
	}
	return b.String()
}

// Clear removes a swarm's mailbox. Called on swarm terminal state.
func (m *Mailbox) Clear(swarmID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.swarms, swarmID)
}
