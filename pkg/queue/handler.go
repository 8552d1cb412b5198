package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// JobHandler executes requests of one type. The payload is passed verbatim;
// the returned result is stored verbatim.
type JobHandler interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// handlerRegistry stores handlers by request type.
type handlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

func (r *handlerRegistry) register(typ string, h JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

func (r *handlerRegistry) get(typ string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok && h != nil
}

func (r *handlerRegistry) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Collect(maps.Keys(r.handlers))
	slices.Sort(names)
	return names
}

// taskHandler adapts a typed task to JobHandler. The payload is decoded
// into P and the result encoded from R.
type taskHandler[P, R any, T interface {
	Type() string
	Handle(context.Context, P) (R, error)
}] struct {
	task T
}

func (h *taskHandler[P, R, T]) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var payload P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, Permanent(errors.Join(ErrInvalidPayload, err))
		}
	}

	res, err := h.task.Handle(ctx, payload)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(res)
	if err != nil {
		return nil, Permanent(fmt.Errorf("queue: marshal result of %s: %w", h.task.Type(), err))
	}
	return out, nil
}

func newTaskHandler[P, R any, T interface {
	Type() string
	Handle(context.Context, P) (R, error)
}](task T) *taskHandler[P, R, T] {
	return &taskHandler[P, R, T]{task: task}
}
