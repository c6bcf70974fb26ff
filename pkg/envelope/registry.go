package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// TypeRegistry maps a stored type name (the `message_type`/`event_type`
// column) to a concrete Go payload type, replacing the reflection-based
// discovery the original system performs at runtime with explicit
// registration at startup (spec §9, "Reflection-based discovery").
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register associates a type name with the concrete type of zero (a nil or
// zero-value instance of the payload type, e.g. OrderPlaced{}).
// Registration is idempotent; re-registering the same name with a
// different type panics, since that would make decoding ambiguous.
func (r *TypeRegistry) Register(name string, zero any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := reflect.TypeOf(zero)
	if existing, ok := r.types[name]; ok && existing != t {
		panic(fmt.Sprintf("envelope: type registry: %q already registered as %s, cannot re-register as %s", name, existing, t))
	}
	r.types[name] = t
}

// Decode unmarshals raw JSON into a freshly allocated instance of the type
// registered under name, returning it as `any`. Callers type-assert the
// result against the types they passed to Register.
func (r *TypeRegistry) Decode(name string, data []byte) (any, error) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("envelope: type registry: no type registered for %q", name)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("envelope: decode %q: %w", name, err)
	}
	return ptr.Elem().Interface(), nil
}

// Has reports whether name is registered, used by ReadPolymorphicAsync
// to skip stored events whose type it cannot materialize.
func (r *TypeRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// NormalizeEventType extracts the bare type name from a decorated
// "TypeName, Assembly" identifier (as produced by reflection-based
// serializers in other languages), and is idempotent for input that is
// already normalized. Mirrors the `normalize_event_type` SQL function
// required by spec §6.1, so Go-side code and the database agree on the
// canonical form.
func NormalizeEventType(raw string) string {
	if idx := strings.IndexByte(raw, ','); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.TrimSpace(raw)
}
