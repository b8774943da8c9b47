// Package bridge implements the line-delimited JSON channel between the host
// and a plugin worker process. The host side listens on a per-generation
// unix socket; the worker side dials it and retries until it appears.
package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// MessageType tags the message union
type MessageType string

const (
	// TypeData carries worker to host telemetry
	TypeData MessageType = "data"
	// TypeEvent carries worker to host lifecycle signals
	TypeEvent MessageType = "event"
	// TypeCommand carries host to worker instructions
	TypeCommand MessageType = "command"
)

const (
	// EventReady is sent by a worker right after it connects
	EventReady = "ready"
	// CommandStop asks a worker to shut down cooperatively
	CommandStop = "stop"
)

const (
	// maxLineSize bounds a single wire message
	maxLineSize    = 10 * 1024 * 1024
	readBufferSize = 64 * 1024
)

// ErrNotConnected is returned when sending without a connected peer
var ErrNotConnected = errors.New("bridge not connected")

// Message is one wire message. Which fields are set depends on Type.
type Message struct {
	Type  MessageType     `json:"type"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Name  string          `json:"name,omitempty"`
	Cmd   string          `json:"cmd,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DataMessage builds a data message
func DataMessage(key string, value interface{}) (Message, error) {
	raw, err := rawValue(value, "null")
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeData, Key: key, Value: raw}, nil
}

// EventMessage builds an event message; nil data is sent as {}
func EventMessage(name string, data interface{}) (Message, error) {
	raw, err := rawValue(data, "{}")
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeEvent, Name: name, Data: raw}, nil
}

// CommandMessage builds a command message; nil data is sent as {}
func CommandMessage(cmd string, data interface{}) (Message, error) {
	raw, err := rawValue(data, "{}")
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeCommand, Cmd: cmd, Data: raw}, nil
}

func rawValue(v interface{}, empty string) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage(empty), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage(empty), nil
		}
		if !json.Valid(t) {
			return nil, fmt.Errorf("invalid raw JSON payload")
		}
		return t, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return data, nil
	}
}

// Encode renders msg as a single newline-terminated line
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// ReadMessages reads newline-delimited messages from r until it is
// exhausted, calling fn for each in arrival order. Malformed and oversized
// lines are logged and skipped. A clean EOF returns nil.
func ReadMessages(r io.Reader, logger *slog.Logger, fn func(Message)) error {
	return readMessages(r, maxLineSize, logger, fn)
}

func readMessages(r io.Reader, limit int, logger *slog.Logger, fn func(Message)) error {
	br := bufio.NewReaderSize(r, readBufferSize)
	var line []byte
	discarded := 0 // bytes of an oversized line dropped so far

	for {
		chunk, err := br.ReadSlice('\n')
		if discarded > 0 {
			discarded += len(chunk)
		} else {
			line = append(line, chunk...)
			if len(bytes.TrimSuffix(line, []byte("\n"))) > limit {
				discarded = len(line)
				line = line[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if discarded > 0 {
			logger.Warn("Discarding oversized message", "bytes", discarded, "limit", limit)
			discarded = 0
		} else {
			handleLine(line, logger, fn)
		}
		line = line[:0]

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func handleLine(line []byte, logger *slog.Logger, fn func(Message)) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		return
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		logger.Warn("Discarding malformed message", "error", err, "line", truncate(line, 200))
		return
	}
	if msg.Type == "" {
		logger.Warn("Discarding message without type", "line", truncate(line, 200))
		return
	}
	fn(msg)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
