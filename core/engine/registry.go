package engine

import (
	"fmt"
	"sync"
)

// registration binds a request type name to a handler factory and the
// policy resolved at registration time. Factories let expensive handlers be
// constructed lazily, once per execution.
type registration struct {
	requestType string
	handlerType string
	factory     func() Handler
	config      HandlerConfig
	// perExecution marks factory registrations: each run gets a fresh
	// instance that is disposed afterwards. Singleton registrations share
	// one instance across runs and are never disposed.
	perExecution bool
}

// registry is a write-once cache of handler registrations keyed by request
// type name. Lookups are lock-free after registration.
type registry struct {
	entries sync.Map // string -> *registration
}

func newRegistry() *registry {
	return &registry{}
}

// register stores a handler instance. The same instance serves every
// execution, so handlers registered this way must be safe for concurrent
// use.
func (r *registry) register(h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	return r.store(&registration{
		requestType: h.Name(),
		handlerType: qualifiedStructName(h),
		factory:     func() Handler { return h },
		config:      handlerConfig(h),
	})
}

// registerFactory stores a handler factory. A fresh handler is built for
// each execution; handlers implementing Disposer are released afterwards.
// The policy is resolved once from a probe instance.
func (r *registry) registerFactory(factory func() Handler) error {
	if factory == nil {
		return ErrHandlerNil
	}
	probe := factory()
	if probe == nil {
		return ErrHandlerNil
	}
	return r.store(&registration{
		requestType:  probe.Name(),
		handlerType:  qualifiedStructName(probe),
		factory:      factory,
		config:       handlerConfig(probe),
		perExecution: true,
	})
}

func (r *registry) store(reg *registration) error {
	if _, loaded := r.entries.LoadOrStore(reg.requestType, reg); loaded {
		return fmt.Errorf("handler for %q already registered", reg.requestType)
	}
	return nil
}

// lookup returns the registration for a request type name.
func (r *registry) lookup(requestType string) (*registration, bool) {
	v, ok := r.entries.Load(requestType)
	if !ok {
		return nil, false
	}
	return v.(*registration), true
}

// len reports the number of registered request types.
func (r *registry) len() int {
	n := 0
	r.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
