// Package events implements the downstream-pipeline subscriber
// (SPEC_FULL.md §5): a Publisher Fabric subscriber that republishes
// lifecycle/output events to a configured NATS subject hierarchy.
// spec.md §1 names "downstream pipelines" as a first-class subscriber
// kind without designing one; this generalizes the teacher's
// subject-per-category Bus from cook.branch.* to shellexec.<kind>.<id>,
// staying inactive (no-op) when no NATS URL is configured.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shellsrv/mcp-shell-server/internal/publisher"
)

// Envelope is the wire shape published to NATS for every fabric notification.
type Envelope struct {
	Kind        string    `json:"kind"` // start|data|end|error
	ExecutionID string    `json:"execution_id"`
	IsStderr    bool      `json:"is_stderr,omitempty"`
	Data        string    `json:"data,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Bus republishes fabric notifications to NATS subject shellexec.<kind>.<execution_id>.
// An empty natsURL produces an inactive bus whose hooks are no-ops, exactly
// like the teacher's events.NewBus("").
type Bus struct {
	publisher.BaseSubscriber

	nc     *nats.Conn
	active bool
}

// NewBus connects to natsURL, or returns an inactive Bus if natsURL is empty.
func NewBus(natsURL string) (*Bus, error) {
	if natsURL == "" {
		return &Bus{active: false}, nil
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	return &Bus{nc: nc, active: true}, nil
}

func (b *Bus) IsActive() bool { return b.active }

func (b *Bus) publish(subject string, env Envelope) {
	if !b.active {
		return
	}
	env.Timestamp = time.Now()
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	b.nc.Publish(subject, data)
}

func (b *Bus) OnStart(executionID string) {
	b.publish(fmt.Sprintf("shellexec.start.%s", executionID), Envelope{
		Kind:        "start",
		ExecutionID: executionID,
	})
}

func (b *Bus) OnData(executionID string, data []byte, isStderr bool) {
	b.publish(fmt.Sprintf("shellexec.data.%s", executionID), Envelope{
		Kind:        "data",
		ExecutionID: executionID,
		IsStderr:    isStderr,
		Data:        string(data),
	})
}

func (b *Bus) OnEnd(executionID string, exitCode *int) {
	b.publish(fmt.Sprintf("shellexec.end.%s", executionID), Envelope{
		Kind:        "end",
		ExecutionID: executionID,
		ExitCode:    exitCode,
	})
}

func (b *Bus) OnError(executionID string, err error) {
	b.publish(fmt.Sprintf("shellexec.error.%s", executionID), Envelope{
		Kind:        "error",
		ExecutionID: executionID,
		Error:       err.Error(),
	})
}

func (b *Bus) Close() error {
	if !b.active {
		return nil
	}
	b.nc.Close()
	return nil
}
