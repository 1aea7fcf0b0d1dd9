package service

import (
	"context"
	"sync"

	"github.com/noah-isme/sma-group-change/internal/models"
)

// UndoLedger keeps a LIFO stack of snapshots per subject.
// Pop on an empty stack returns (nil, nil): nothing to undo is not a fault.
type UndoLedger interface {
	Push(ctx context.Context, subjectID string, snapshot models.Snapshot) error
	Pop(ctx context.Context, subjectID string) (*models.Snapshot, error)
}

// MemoryUndoLedger is a process-local ledger.
type MemoryUndoLedger struct {
	mu     sync.Mutex
	stacks map[string][]models.Snapshot
}

// NewMemoryUndoLedger constructs an empty ledger.
func NewMemoryUndoLedger() *MemoryUndoLedger {
	return &MemoryUndoLedger{stacks: make(map[string][]models.Snapshot)}
}

// Push stores a copy of snapshot on top of subjectID's stack.
func (l *MemoryUndoLedger) Push(_ context.Context, subjectID string, snapshot models.Snapshot) error {
	snapshot.Payload = append([]byte(nil), snapshot.Payload...)
	l.mu.Lock()
	l.stacks[subjectID] = append(l.stacks[subjectID], snapshot)
	l.mu.Unlock()
	return nil
}

// Pop removes and returns the newest snapshot for subjectID.
func (l *MemoryUndoLedger) Pop(_ context.Context, subjectID string) (*models.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stack := l.stacks[subjectID]
	if len(stack) == 0 {
		return nil, nil
	}
	top := stack[len(stack)-1]
	stack[len(stack)-1] = models.Snapshot{}
	if len(stack) == 1 {
		delete(l.stacks, subjectID)
	} else {
		l.stacks[subjectID] = stack[:len(stack)-1]
	}
	return &top, nil
}

// Depth returns the number of snapshots held for subjectID.
func (l *MemoryUndoLedger) Depth(subjectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stacks[subjectID])
}
