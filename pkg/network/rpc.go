package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	HelloProtocolID = protocol.ID("/fil/hello/1.0.0")

	maxMessageSize = 1 << 20
)

var (
	ErrMessageTooLarge  = errors.New("message exceeds size limit")
	errMalformedMessage = errors.New("malformed message")
)

// Request is the hello request. The payload is opaque to the network
// service.
type Request struct {
	Payload []byte `json:"payload"`
}

// Response is sent back automatically for every valid request. Both times
// are unix nanoseconds on the responder's clock.
type Response struct {
	Arrival int64 `json:"arrival"`
	Sent    int64 `json:"sent"`
}

func readMessage(r io.Reader, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r, maxMessageSize+1))
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if len(data) > maxMessageSize {
		return ErrMessageTooLarge
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", errMalformedMessage, err)
	}
	return nil
}

func writeMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > maxMessageSize {
		return ErrMessageTooLarge
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// sendHello opens a hello stream to p, writes req and waits for the
// response.
func sendHello(ctx context.Context, h host.Host, p peer.ID, req Request, timeout time.Duration) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := h.NewStream(ctx, p, HelloProtocolID)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := writeMessage(stream, req); err != nil {
		stream.Reset()
		return Response{}, err
	}
	// Close write side to signal request complete
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return Response{}, fmt.Errorf("failed to close write side: %w", err)
	}

	var resp Response
	if err := readMessage(stream, &resp); err != nil {
		stream.Reset()
		return Response{}, err
	}
	return resp, nil
}

// serveHello answers one inbound hello stream and returns the decoded
// request.
func serveHello(stream network.Stream, timeout time.Duration) (Request, error) {
	_ = stream.SetDeadline(time.Now().Add(timeout))

	var req Request
	if err := readMessage(stream, &req); err != nil {
		return Request{}, err
	}
	arrival := time.Now()

	resp := Response{Arrival: arrival.UnixNano(), Sent: time.Now().UnixNano()}
	if err := writeMessage(stream, resp); err != nil {
		return Request{}, err
	}
	return req, nil
}
