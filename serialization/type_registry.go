package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/courier-go/contracts"
)

var (
	ErrUnknownMessageType     = errors.New("serialization: message type not registered")
	ErrUnsupportedContentType = errors.New("serialization: unsupported content type")
	ErrNoPayload              = errors.New("serialization: envelope has neither message nor data")
)

// TypeRegistry maps wire message type names to Go types and back
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register binds typeName to the Go type of sample
func (r *TypeRegistry) Register(typeName string, sample any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if sample == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := indirect(reflect.TypeOf(sample))
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers sample under its derived type name
func (r *TypeRegistry) RegisterType(sample any) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("message type cannot be nil")
	}
	name := DeriveTypeName(sample)
	return name, r.Register(name, sample)
}

// Get returns the Go type registered under typeName
func (r *TypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, typeName)
	}
	return t, nil
}

// CreateInstance returns a pointer to a new zero value of the registered type
func (r *TypeRegistry) CreateInstance(typeName string) (any, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	return reflect.New(t).Interface(), nil
}

// TypeName resolves the wire name for msg, registering it on first use
func (r *TypeRegistry) TypeName(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := indirect(reflect.TypeOf(msg))

	r.mu.RLock()
	name, exists := r.names[t]
	r.mu.RUnlock()
	if exists {
		return name, nil
	}

	if t.Kind() != reflect.Struct {
		return "", fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}
	return r.RegisterType(msg)
}

// IsRegistered checks if typeName is known
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names, sorted
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}

// DeriveTypeName names a message without consulting a registry. Messages
// implementing contracts.MessageTyper choose their own name.
func DeriveTypeName(msg any) string {
	if typer, ok := msg.(contracts.MessageTyper); ok {
		return typer.MessageTypeName()
	}
	return indirect(reflect.TypeOf(msg)).String()
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
