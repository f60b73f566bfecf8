// Package io provides an event sink that appends JSON lines to a file.
package io

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/dualrun/internal/runtime/jsoncodec"
	"github.com/drblury/dualrun/transport"
)

// TransportName is the name used to register this sink.
const TransportName = "io"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "dualrun-events.log"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger)
}

// Register registers the I/O sink with the default registry.
// Call it explicitly, or import the transports aggregate.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a file publisher.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}
	return PublisherFactory(filePath, logger)
}

// Capabilities returns the capabilities of this sink.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// Line is one persisted event. Payload is embedded verbatim when it is
// valid JSON so the file stays greppable.
type Line struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  json.RawMessage   `json:"payload"`
}

// Publisher appends messages to a file, one JSON document per line.
type Publisher struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	logger watermill.LoggerAdapter
	closed bool
}

// NewPublisher opens (or creates) filePath for appending.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &Publisher{f: f, w: bufio.NewWriter(f), logger: logger}, nil
}

// Publish writes messages and flushes them before returning.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("io publisher closed")
	}

	for _, msg := range messages {
		payload := json.RawMessage(msg.Payload)
		if !json.Valid(payload) {
			quoted, err := jsoncodec.Marshal(string(msg.Payload))
			if err != nil {
				return err
			}
			payload = quoted
		}
		b, err := jsoncodec.Marshal(Line{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  payload,
		})
		if err != nil {
			return err
		}
		if _, err := p.w.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return p.w.Flush()
}

// Close flushes and closes the file. It is safe to call twice.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	flushErr := p.w.Flush()
	return errors.Join(flushErr, p.f.Close())
}

// ReadLines decodes every line of r, optionally filtered by topic.
func ReadLines(r io.Reader, topic string) ([]Line, error) {
	var out []Line
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line Line
		if err := jsoncodec.Unmarshal(raw, &line); err != nil {
			return out, fmt.Errorf("decode event line: %w", err)
		}
		if topic != "" && line.Topic != topic {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
