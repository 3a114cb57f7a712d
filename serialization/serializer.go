package serialization

import (
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"

	"github.com/glimte/courier-go/contracts"
)

// ContentTypeJSON is the default content type
const ContentTypeJSON = "application/json"

// Serializer turns messages into bytes for one content type
type Serializer interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer encodes with sonic using encoding/json compatible settings
type JSONSerializer struct {
	api sonic.API
}

// NewJSONSerializer creates a JSON serializer
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{api: sonic.ConfigStd}
}

func (s *JSONSerializer) ContentType() string { return ContentTypeJSON }

func (s *JSONSerializer) Marshal(v any) ([]byte, error) {
	return s.api.Marshal(v)
}

func (s *JSONSerializer) Unmarshal(data []byte, v any) error {
	return s.api.Unmarshal(data, v)
}

// Codec fills and reads envelope payloads. Message and Data are kept in
// sync lazily: Write produces Data from Message, Read produces Message from
// Data only when someone asks for it.
type Codec struct {
	registry    *TypeRegistry
	serializers map[string]Serializer
	defaultType string
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithSerializer adds or replaces the serializer for its content type
func WithSerializer(s Serializer) CodecOption {
	return func(c *Codec) {
		c.serializers[s.ContentType()] = s
	}
}

// WithDefaultContentType sets the content type used when an envelope has none
func WithDefaultContentType(contentType string) CodecOption {
	return func(c *Codec) {
		c.defaultType = contentType
	}
}

// NewCodec creates a codec over registry. JSON is always available.
func NewCodec(registry *TypeRegistry, opts ...CodecOption) *Codec {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	json := NewJSONSerializer()
	c := &Codec{
		registry:    registry,
		serializers: map[string]Serializer{json.ContentType(): json},
		defaultType: ContentTypeJSON,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the type registry behind the codec
func (c *Codec) Registry() *TypeRegistry {
	return c.registry
}

// Write makes sure env.Data, ContentType and MessageType are populated
func (c *Codec) Write(env *contracts.Envelope) error {
	if env.Message == nil {
		if env.Data == nil {
			return &contracts.EnvelopeError{Op: "serialize", EnvelopeID: env.ID, Err: ErrNoPayload}
		}
		return nil
	}

	if env.MessageType == "" {
		name, err := c.registry.TypeName(env.Message)
		if err != nil {
			return &contracts.EnvelopeError{Op: "serialize", EnvelopeID: env.ID, Err: err}
		}
		env.MessageType = name
	}
	if env.Data != nil {
		return nil
	}

	if env.ContentType == "" {
		env.ContentType = c.defaultType
	}
	s, ok := c.serializers[env.ContentType]
	if !ok {
		return &contracts.EnvelopeError{Op: "serialize", EnvelopeID: env.ID,
			Err: fmt.Errorf("%w: %s", ErrUnsupportedContentType, env.ContentType)}
	}

	data, err := s.Marshal(env.Message)
	if err != nil {
		return &contracts.EnvelopeError{Op: "serialize", EnvelopeID: env.ID, Err: err}
	}
	env.Data = data
	return nil
}

// Read returns the logical message, deserializing Data on first access
func (c *Codec) Read(env *contracts.Envelope) (any, error) {
	if env.Message != nil {
		return env.Message, nil
	}
	if env.Data == nil {
		return nil, &contracts.EnvelopeError{Op: "deserialize", EnvelopeID: env.ID, Err: ErrNoPayload}
	}

	contentType := env.ContentType
	if contentType == "" {
		contentType = c.defaultType
	}
	s, ok := c.serializers[contentType]
	if !ok {
		return nil, &contracts.EnvelopeError{Op: "deserialize", EnvelopeID: env.ID,
			Err: fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)}
	}

	instance, err := c.registry.CreateInstance(env.MessageType)
	if err != nil {
		return nil, &contracts.EnvelopeError{Op: "deserialize", EnvelopeID: env.ID, Err: err}
	}
	if err := s.Unmarshal(env.Data, instance); err != nil {
		return nil, &contracts.EnvelopeError{Op: "deserialize", EnvelopeID: env.ID, Err: err}
	}

	// handlers receive values, not pointers
	env.Message = reflect.ValueOf(instance).Elem().Interface()
	return env.Message, nil
}
