package network

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, Request{Payload: []byte{0, 1, 2, 255}}))

	var got Request
	require.NoError(t, readMessage(&buf, &got))
	assert.Equal(t, []byte{0, 1, 2, 255}, got.Payload)
}

func TestReadMessageRejectsOversizedInput(t *testing.T) {
	big := `{"payload":"` + strings.Repeat("A", maxMessageSize) + `"}`
	var req Request
	assert.ErrorIs(t, readMessage(strings.NewReader(big), &req), ErrMessageTooLarge)
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := writeMessage(&buf, Request{Payload: make([]byte, maxMessageSize)})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, buf.Len())
}

func TestReadMessageRejectsGarbage(t *testing.T) {
	var resp Response
	err := readMessage(strings.NewReader("not json"), &resp)
	assert.ErrorIs(t, err, errMalformedMessage)
	assert.NotErrorIs(t, err, ErrMessageTooLarge)
}
