package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	controlTypeHello    = "plugin.hello"
	controlTypeHelloAck = "plugin.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 128 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
	ErrHelloRejected          = errors.New("session: hello rejected")
)

// Hello is the plugin->host session-start line.
type Hello struct {
	SessionID       string   `json:"session_id"`
	ProtocolVersion uint16   `json:"protocol_version"`
	Methods         []string `json:"methods"`
	Compression     []string `json:"compression"`
}

// NewHello stamps a fresh session id.
func NewHello(protocolVersion uint16, methods, compression []string) Hello {
	return Hello{
		SessionID:       uuid.NewString(),
		ProtocolVersion: protocolVersion,
		Methods:         methods,
		Compression:     compression,
	}
}

func (h Hello) Validate() error {
	if _, err := uuid.Parse(h.SessionID); err != nil {
		return fmt.Errorf("%w: session_id %q", ErrInvalidHello, h.SessionID)
	}
	if h.ProtocolVersion == 0 {
		return fmt.Errorf("%w: missing protocol_version", ErrInvalidHello)
	}
	if len(h.Methods) == 0 {
		return fmt.Errorf("%w: missing methods", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the host->plugin response.
type HelloAck struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Compression string `json:"compression"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHelloAck)
	}
	if status == AckStatusAccepted {
		if _, err := CodecFor(a.Compression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidHelloAck, err)
		}
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

// ReadHelloAck returns ErrHelloRejected for a well-formed rejection.
func ReadHelloAck(r *bufio.Reader, sessionID string) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHelloAck, env.Type)
	}
	ack := *env.Ack
	if err := ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	if ack.SessionID != sessionID {
		return HelloAck{}, fmt.Errorf("%w: session_id %q does not match %q", ErrInvalidHelloAck, ack.SessionID, sessionID)
	}
	if ack.Status == AckStatusRejected {
		return ack, fmt.Errorf("%w: %s", ErrHelloRejected, ack.Message)
	}
	return ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return controlEnvelope{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
