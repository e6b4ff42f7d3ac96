package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multpex/linkd/pkg/errors"
)

type profileRequest struct {
	Name    string `json:"name" validate:"required,min=2"`
	Age     int    `json:"age" validate:"gte=0,lte=150"`
	Role    string `json:"role" validate:"omitempty,oneof=user admin"`
	Address struct {
		City string `json:"city" validate:"required"`
	} `json:"address"`
}

func TestStructSchema(t *testing.T) {
	schema := NewStructSchema[profileRequest]()

	tests := []struct {
		name   string
		data   string
		fields map[string]string
	}{
		{name: "valid", data: `{"name":"ann","age":30,"address":{"city":"Paris"}}`},
		{name: "missing", data: `{}`, fields: map[string]string{"name": "required", "address.city": "required"}},
		{name: "empty payload", data: ``, fields: map[string]string{"name": "required", "address.city": "required"}},
		{name: "rules", data: `{"name":"a","age":200,"role":"root","address":{"city":"x"}}`, fields: map[string]string{"name": "min", "age": "lte", "role": "oneof"}},
		{name: "wrong type", data: `{"name":1}`, fields: map[string]string{"name": "type"}},
		{name: "not object", data: `"text"`, fields: map[string]string{"": "type"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, fields := schema.Validate(json.RawMessage(tt.data))
			if tt.fields == nil {
				require.Empty(t, fields)
				require.NotNil(t, normalized)
				return
			}
			assert.Nil(t, normalized)
			got := make(map[string]string, len(fields))
			for _, f := range fields {
				got[f.Field] = f.Rule
				assert.NotEmpty(t, f.Message)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestStructSchemaNormalizes(t *testing.T) {
	schema := NewStructSchema[roomRequest]()
	normalized, fields := schema.Validate(json.RawMessage(`{"room":"lobby","extra":true}`))
	require.Empty(t, fields)
	assert.JSONEq(t, `{"room":"lobby"}`, string(normalized))
}

func TestSchemaFunc(t *testing.T) {
	schema := SchemaFunc(func(data json.RawMessage) (json.RawMessage, []errors.FieldError) {
		if string(data) != `"ok"` {
			return nil, []errors.FieldError{{Field: "", Rule: "const", Message: "must be ok"}}
		}
		return nil, nil
	})

	_, fields := schema.Validate(json.RawMessage(`"ok"`))
	assert.Empty(t, fields)
	_, fields = schema.Validate(json.RawMessage(`"no"`))
	assert.Len(t, fields, 1)
}
