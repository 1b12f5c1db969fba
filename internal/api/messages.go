// Package api defines the JSON messages of the live sample stream.
package api

import (
	"github.com/skobkin/gpu-monitor/internal/gpu"
	"github.com/skobkin/gpu-monitor/internal/sampler"
)

// Message types.
const (
	TypeHello  = "hello"
	TypeSample = "sample"
	TypeError  = "error"
	TypePing   = "ping"
	TypePong   = "pong"
)

// HelloMessage is the first message on every stream.
type HelloMessage struct {
	Type       string    `json:"type"`
	IntervalMS int64     `json:"interval_ms"`
	GPU        *gpu.Info `json:"gpu,omitempty"`
	Version    string    `json:"version"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int64, info *gpu.Info, version string) HelloMessage {
	return HelloMessage{
		Type:       TypeHello,
		IntervalMS: intervalMS,
		GPU:        info,
		Version:    version,
	}
}

// SampleMessage carries one sanitized sample.
type SampleMessage struct {
	Type   string         `json:"type"`
	Sample sampler.Sample `json:"sample"`
}

// NewSampleMessage constructs a sample payload.
func NewSampleMessage(sample sampler.Sample) SampleMessage {
	return SampleMessage{Type: TypeSample, Sample: sample}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}

// ClientMessage is the envelope of inbound messages. Only ping is understood.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
