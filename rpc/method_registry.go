package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrMethodNotFound is returned when a method is not registered.
	ErrMethodNotFound = errors.New("rpc: method not found")

	// ErrDuplicateMethod is returned when registering an already-registered method.
	ErrDuplicateMethod = errors.New("rpc: duplicate method")

	// ErrInvalidParams is returned when a method's params cannot be decoded.
	ErrInvalidParams = errors.New("rpc: invalid params")

	errIncompleteMethod = errors.New("rpc: method needs a name and a handler")
)

// MethodHandler handles one RPC method call. params is the raw "params"
// member of the request, possibly empty.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Middleware wraps a method call. It receives the method name, the raw
// params and the next handler in the chain.
type Middleware func(ctx context.Context, method string, params json.RawMessage, next MethodHandler) (any, error)

// Route says where a method is answered.
type Route uint8

const (
	// RouteLocal methods are served by the gateway itself.
	RouteLocal Route = iota
	// RouteForwarded methods are proxied to the rollup node.
	RouteForwarded
)

func (r Route) String() string {
	switch r {
	case RouteLocal:
		return "local"
	case RouteForwarded:
		return "forwarded"
	default:
		return fmt.Sprintf("route(%d)", uint8(r))
	}
}

// MethodInfo describes a registered RPC method.
type MethodInfo struct {
	Name        string
	Handler     MethodHandler
	Description string
	Route       Route
}

type registeredMethod struct {
	info  MethodInfo
	chain MethodHandler // info.Handler wrapped in the current middleware
}

// MethodRegistry maps method names to handlers. Middleware is composed
// into each handler once, when the method or the middleware is added, so
// Call only does a map lookup under the read lock.
type MethodRegistry struct {
	mu         sync.RWMutex
	methods    map[string]*registeredMethod
	middleware []Middleware
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]*registeredMethod)}
}

// Register adds a method. It fails with ErrDuplicateMethod when the name
// is taken.
func (r *MethodRegistry) Register(info MethodInfo) error {
	if info.Name == "" || info.Handler == nil {
		return fmt.Errorf("%w: %q", errIncompleteMethod, info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[info.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, info.Name)
	}
	r.methods[info.Name] = &registeredMethod{info: info, chain: compose(info, r.middleware)}
	return nil
}

// RegisterBatch registers methods in order and stops at the first error.
// Methods registered before the failure stay registered.
func (r *MethodRegistry) RegisterBatch(methods []MethodInfo) error {
	for _, m := range methods {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// AddMiddleware appends mw to the chain of every method, registered or
// not. The first middleware added runs outermost.
func (r *MethodRegistry) AddMiddleware(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.middleware = append(r.middleware, mw)
	for _, m := range r.methods {
		m.chain = compose(m.info, r.middleware)
	}
}

// Call runs method through its middleware chain.
func (r *MethodRegistry) Call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	r.mu.RLock()
	m, ok := r.methods[method]
	var h MethodHandler
	if ok {
		h = m.chain
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	return h(ctx, params)
}

func compose(info MethodInfo, mw []Middleware) MethodHandler {
	h := info.Handler
	for i := len(mw) - 1; i >= 0; i-- {
		outer, next := mw[i], h
		h = func(ctx context.Context, p json.RawMessage) (any, error) {
			return outer(ctx, info.Name, p, next)
		}
	}
	return h
}

// Methods returns the registered method names, sorted.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MethodsByRoute returns the sorted names of the methods served by route.
func (r *MethodRegistry) MethodsByRoute(route Route) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, m := range r.methods {
		if m.info.Route == route {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Describe returns every registered method, sorted by name.
func (r *MethodRegistry) Describe() []MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]MethodInfo, 0, len(r.methods))
	for _, m := range r.methods {
		infos = append(infos, m.info)
	}
	slices.SortFunc(infos, func(a, b MethodInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return infos
}

// HasMethod reports whether name is registered.
func (r *MethodRegistry) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}
