package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// Pointers is the production pointer map: one slot per model type, each
// guarded by its own mutex so promotions of different types never contend.
type Pointers struct {
	mu    sync.Mutex
	slots map[models.ModelType]*pointerSlot
}

type pointerSlot struct {
	mu        sync.Mutex
	versionID string
}

// NewPointers creates an empty pointer map
func NewPointers() *Pointers {
	return &Pointers{slots: make(map[models.ModelType]*pointerSlot)}
}

func (p *Pointers) slot(modelType models.ModelType) *pointerSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[modelType]
	if !ok {
		s = &pointerSlot{}
		p.slots[modelType] = s
	}
	return s
}

// Get returns the production version id for modelType, "" when empty
func (p *Pointers) Get(modelType models.ModelType) string {
	s := p.slot(modelType)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionID
}

// Snapshot copies the non-empty slots
func (p *Pointers) Snapshot() map[models.ModelType]string {
	p.mu.Lock()
	slots := make(map[models.ModelType]*pointerSlot, len(p.slots))
	for k, s := range p.slots {
		slots[k] = s
	}
	p.mu.Unlock()

	out := make(map[models.ModelType]string, len(slots))
	for k, s := range slots {
		s.mu.Lock()
		if s.versionID != "" {
			out[k] = s.versionID
		}
		s.mu.Unlock()
	}
	return out
}

// HolderOf returns the model type whose slot holds versionID
func (p *Pointers) HolderOf(versionID string) (models.ModelType, bool) {
	for modelType, id := range p.Snapshot() {
		if id == versionID {
			return modelType, true
		}
	}
	return "", false
}

// Restore replaces every slot with the persisted map
func (p *Pointers) Restore(pointers map[models.ModelType]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for modelType, s := range p.slots {
		s.mu.Lock()
		s.versionID = pointers[modelType]
		s.mu.Unlock()
	}
	for modelType, id := range pointers {
		if _, ok := p.slots[modelType]; !ok {
			p.slots[modelType] = &pointerSlot{versionID: id}
		}
	}
}

// CompareAndSwap moves the slot from expected to next. commit runs while the
// slot is held; the in-memory value changes only when commit succeeds. A
// mismatch fails with a conflict wrapping ErrPointerConflict.
func (p *Pointers) CompareAndSwap(ctx context.Context, modelType models.ModelType, expected, next string, commit func() error) error {
	s := p.slot(modelType)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.versionID != expected {
		return errors.NewConflictError(errors.CodePointerConflict,
			fmt.Sprintf("production pointer for %s is %q, expected %q", modelType, s.versionID, expected)).
			WithContext("model_type", string(modelType)).
			WithCause(errors.ErrPointerConflict)
	}

	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	s.versionID = next
	return nil
}
