package flows

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/hogpipe"
)

// Checkpoint is the sole unit persisted between flow execution passes. No
// in-memory object outlives a single pass; resumption reconstructs an
// invocation from this record alone, keyed by invocation id.
type Checkpoint struct {
	InvocationID string                  `json:"invocation_id"`
	TeamID       int                     `json:"team_id"`
	FlowID       string                  `json:"flow_id"`
	Globals      *hogpipe.TriggerGlobals `json:"globals,omitempty"`
	State        *hogpipe.FlowState      `json:"state"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Checkpointer stores flow invocation state across suspend points. The
// memory implementation below suits tests and single-process use; production
// deployments bring a durable one.
type Checkpointer interface {
	Save(ctx context.Context, checkpoint *Checkpoint) error
	Load(ctx context.Context, invocationID string) (*Checkpoint, error)
	Delete(ctx context.Context, invocationID string) error
}

// MemoryCheckpointer keeps checkpoints in process memory.
type MemoryCheckpointer struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointer creates an empty MemoryCheckpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: map[string]*Checkpoint{}}
}

// Save stores the checkpoint, replacing any existing one for the invocation.
func (c *MemoryCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint.InvocationID == "" {
		return fmt.Errorf("checkpoint requires an invocation id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[checkpoint.InvocationID] = checkpoint
	return nil
}

// Load returns the checkpoint for the given invocation id.
func (c *MemoryCheckpointer) Load(ctx context.Context, invocationID string) (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	checkpoint, ok := c.checkpoints[invocationID]
	if !ok {
		return nil, fmt.Errorf("checkpoint for invocation %s: %w", invocationID, hogpipe.ErrNotFound)
	}
	return checkpoint, nil
}

// Delete removes the checkpoint for the given invocation id, if present.
func (c *MemoryCheckpointer) Delete(ctx context.Context, invocationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checkpoints, invocationID)
	return nil
}
