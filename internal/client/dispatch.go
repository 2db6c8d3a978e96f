package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Envelope is the message shape exchanged with the relay.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reserved envelope types handled by the manager itself.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Handler receives envelopes of one type.
type Handler func(Envelope)

// Validator checks an inbound frame and decodes it.
type Validator interface {
	Validate(data []byte) (Envelope, error)
}

// EnvelopeSchema accepts any object with a non-empty string type.
const EnvelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1}
  }
}`

// SchemaValidator validates frames against a compiled JSON Schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles schemaJSON. The schema must at least require a
// string "type" for decoded envelopes to be routable.
func NewSchemaValidator(schemaJSON string) (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// DefaultValidator returns a validator for EnvelopeSchema.
func DefaultValidator() *SchemaValidator {
	v, err := NewSchemaValidator(EnvelopeSchema)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate implements Validator.
func (v *SchemaValidator) Validate(data []byte) (Envelope, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return Envelope{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope has no type")
	}
	return env, nil
}

// subscribers maps an envelope type to its handlers. Safe for concurrent use.
type subscribers struct {
	mu     sync.RWMutex
	nextID int
	byType map[string]map[int]Handler
}

func newSubscribers() *subscribers {
	return &subscribers{byType: make(map[string]map[int]Handler)}
}

func (s *subscribers) add(typ string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.byType[typ] == nil {
		s.byType[typ] = make(map[int]Handler)
	}
	s.byType[typ][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byType[typ], id)
			if len(s.byType[typ]) == 0 {
				delete(s.byType, typ)
			}
		})
	}
}

// handlers returns a snapshot of the handlers for typ.
func (s *subscribers) handlers(typ string) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs := make([]Handler, 0, len(s.byType[typ]))
	for _, h := range s.byType[typ] {
		hs = append(hs, h)
	}
	return hs
}

func (s *subscribers) count(typ string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byType[typ])
}
