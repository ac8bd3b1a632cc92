package message_test

import (
	"testing"

	"github.com/ValerySidorin/hubdevice/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal(t *testing.T) {
	m := message.New([]byte("temp=21"))
	require.NoError(t, m.SetProperty("unit", "C"))
	require.NoError(t, m.SetMessageID("m-1"))

	assert.True(t, m.Seal())
	assert.False(t, m.Seal())
	assert.True(t, m.Sealed())

	assert.ErrorIs(t, m.SetProperty("unit", "F"), message.ErrSealed)
	assert.ErrorIs(t, m.SetMessageID("m-2"), message.ErrSealed)
	assert.ErrorIs(t, m.SetCorrelationID("c"), message.ErrSealed)
	assert.ErrorIs(t, m.SetContentType("text/plain"), message.ErrSealed)
	assert.Equal(t, "C", m.Properties["unit"])
}

func TestClone(t *testing.T) {
	m := message.New([]byte("a"))
	require.NoError(t, m.SetProperty("k", "v"))
	m.LockToken = "tok"
	m.Seal()

	c := m.Clone()
	assert.False(t, c.Sealed())
	assert.Empty(t, c.LockToken)
	assert.Equal(t, m.Payload, c.Payload)

	c.Payload[0] = 'b'
	c.Properties["k"] = "w"
	assert.Equal(t, "a", m.String())
	assert.Equal(t, "v", m.Properties["k"])
}

func TestMethodValidation(t *testing.T) {
	req := &message.MethodRequest{Name: "reboot", RequestID: "1", Body: []byte(`{"delay":5}`)}
	assert.NoError(t, req.Validate())

	req.Body = []byte("{not json")
	assert.ErrorIs(t, req.Validate(), message.ErrInvalidJSON)

	req = &message.MethodRequest{RequestID: "1"}
	assert.ErrorIs(t, req.Validate(), message.ErrEmptyMethodName)

	resp := &message.MethodResponse{Status: 200}
	assert.ErrorIs(t, resp.Validate(), message.ErrEmptyRequestID)
}

func TestNewMethodResponse(t *testing.T) {
	resp, err := message.NewMethodResponse("42", 200, map[string]int{"ok": 1})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.RequestID)
	assert.JSONEq(t, `{"ok":1}`, string(resp.Body))

	resp, err = message.NewMethodResponse("43", 204, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Body)
}
