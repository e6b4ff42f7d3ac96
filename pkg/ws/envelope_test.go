package ws

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multpex/linkd/pkg/errors"
)

func TestCodecDecode(t *testing.T) {
	codec := NewCodec(128)

	tests := []struct {
		name    string
		frame   string
		wantErr bool
		wantID  string
		message string
	}{
		{name: "valid", frame: `{"type":"chat.send","data":{"text":"hi"},"id":"1"}`, wantID: "1"},
		{name: "no data", frame: `{"type":"ping"}`},
		{name: "not json", frame: `hello`, wantErr: true, message: "Malformed payload"},
		{name: "array", frame: `[1,2]`, wantErr: true, message: "Malformed payload"},
		{name: "missing type", frame: `{"id":"7","data":{}}`, wantErr: true, wantID: "7", message: "Missing message type"},
		{name: "oversize", frame: `{"type":"x","data":"` + strings.Repeat("a", 200) + `"}`, wantErr: true, message: "Frame exceeds 128 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := codec.Decode([]byte(tt.frame))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, in.ID)
				return
			}
			require.Error(t, err)
			e, ok := errors.From(err)
			require.True(t, ok)
			assert.Equal(t, errors.ErrMalformedPayload.Type, e.Type)
			assert.Equal(t, tt.message, e.Message)
			if tt.wantID != "" {
				require.NotNil(t, in)
				assert.Equal(t, tt.wantID, in.ID)
			}
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(1024)
	frame := []byte(`{"type":"chat.send","data":{"room":"lobby","n":[1,2]},"id":"abc"}`)

	in, err := codec.Decode(frame)
	require.NoError(t, err)
	out, err := codec.Encode(in)
	require.NoError(t, err)
	assert.JSONEq(t, string(frame), string(out))
}

func TestCodecEncodeShapes(t *testing.T) {
	codec := NewCodec(1024)

	res, err := codec.EncodeResult("1", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","data":{"n":1}}`, string(res))

	res, err = codec.EncodeResult("2", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"2","data":null}`, string(res))

	_, err = codec.EncodeResult("3", json.RawMessage(`{bad`))
	assert.Error(t, err)

	_, err = codec.EncodeResult("4", func() {})
	assert.Error(t, err)

	assert.JSONEq(t,
		`{"id":"","error":{"code":401,"type":"UNAUTHORIZED","message":"Authentication required"}}`,
		string(codec.EncodeError("", errors.ErrUnauthorized)))

	withFields := errors.ErrValidation.WithFields(errors.FieldError{Field: "room", Rule: "required", Message: "is required"})
	assert.JSONEq(t,
		`{"id":"9","error":{"code":422,"type":"VALIDATION_ERROR","message":"Validation failed","fields":[{"field":"room","rule":"required","message":"is required"}]}}`,
		string(codec.EncodeError("9", withFields)))

	// 原始错误不外泄
	leaky := errors.ErrHandlerError.WithError(assert.AnError)
	assert.NotContains(t, string(codec.EncodeError("x", leaky)), assert.AnError.Error())

	ev, err := codec.EncodeEvent("presence.online", json.RawMessage(`{"subject":"u1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"presence.online","data":{"subject":"u1"}}`, string(ev))
}
