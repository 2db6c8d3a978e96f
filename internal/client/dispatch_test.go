package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidator(t *testing.T) {
	v := DefaultValidator()

	tests := []struct {
		name    string
		frame   string
		wantErr bool
		want    string
	}{
		{"typed envelope", `{"type":"task.update","payload":{"id":1}}`, false, "task.update"},
		{"no payload", `{"type":"pong"}`, false, "pong"},
		{"missing type", `{"payload":{}}`, true, ""},
		{"empty type", `{"type":""}`, true, ""},
		{"numeric type", `{"type":7}`, true, ""},
		{"array", `[1,2]`, true, ""},
		{"not json", `subscribe:abc`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := v.Validate([]byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Type)
		})
	}
}

func TestNewSchemaValidator_Custom(t *testing.T) {
	v, err := NewSchemaValidator(`{
		"type": "object",
		"required": ["type", "payload"],
		"properties": {"type": {"enum": ["task.update"]}}
	}`)
	require.NoError(t, err)

	_, err = v.Validate([]byte(`{"type":"task.update"}`))
	assert.Error(t, err, "payload is required by the custom schema")

	_, err = v.Validate([]byte(`{"type":"other","payload":1}`))
	assert.Error(t, err)

	env, err := v.Validate([]byte(`{"type":"task.update","payload":1}`))
	require.NoError(t, err)
	assert.Equal(t, "task.update", env.Type)
}

func TestNewSchemaValidator_BadSchema(t *testing.T) {
	_, err := NewSchemaValidator(`{not a schema`)
	assert.Error(t, err)
}

func TestSubscribers(t *testing.T) {
	s := newSubscribers()
	calls := 0
	off1 := s.add("a", func(Envelope) { calls++ })
	s.add("a", func(Envelope) { calls++ })
	s.add("b", func(Envelope) { calls++ })

	assert.Equal(t, 2, s.count("a"))
	for _, h := range s.handlers("a") {
		h(Envelope{Type: "a"})
	}
	assert.Equal(t, 2, calls)

	off1()
	off1()
	assert.Equal(t, 1, s.count("a"))
	assert.Empty(t, s.handlers("c"))
}
