package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/protocol"
)

// MaxMessageSize is the maximum NDJSON message size (256 KiB)
const MaxMessageSize = 256 * 1024

// Encoder writes NDJSON messages to an output stream. It is safe for
// concurrent use; each message is written and flushed as one line.
type Encoder struct {
	mu     sync.Mutex
	writer *bufio.Writer
	logger zerolog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger zerolog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error().
			Int("size", len(data)).
			Int("limit", MaxMessageSize).
			Int("overflow", len(data)-MaxMessageSize).
			Msg("message exceeds size limit")
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately for real-time communication
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// ReadError means the underlying stream failed. Unlike a malformed line, the
// decoder cannot continue past it.
type ReadError struct {
	Line int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("scanner error at line %d: %v", e.Line, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  zerolog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger zerolog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)

	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, MaxMessageSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Line returns the number of the last line read.
func (d *Decoder) Line() int {
	return d.lineNum
}

// next returns the next non-empty line.
func (d *Decoder) next() ([]byte, error) {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, &ReadError{Line: d.lineNum + 1, Err: err}
			}
			return nil, io.EOF
		}
		d.lineNum++
		if data := d.scanner.Bytes(); len(data) > 0 {
			return data, nil
		}
	}
}

// Decode reads the next NDJSON message
func (d *Decoder) Decode(v any) error {
	data, err := d.next()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Error().
			Int("line", d.lineNum).
			Err(err).
			Str("data", string(data[:min(100, len(data))])).
			Msg("failed to unmarshal JSON")
		return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}

	return nil
}

// DecodeEnvelope reads one message and returns it as a pointer to the
// protocol type named by its "kind" field.
func (d *Decoder) DecodeEnvelope() (any, error) {
	data, err := d.next()
	if err != nil {
		return nil, err
	}

	var peek struct {
		Kind protocol.MessageKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}
	if peek.Kind == "" {
		return nil, fmt.Errorf("line %d: missing or invalid 'kind' field", d.lineNum)
	}

	var msg any
	switch peek.Kind {
	case protocol.MessageKindRequest:
		msg = &protocol.Request{}
	case protocol.MessageKindResponse:
		msg = &protocol.Response{}
	case protocol.MessageKindState:
		msg = &protocol.StateUpdate{}
	case protocol.MessageKindEvent:
		msg = &protocol.EventUpdate{}
	case protocol.MessageKindHeartbeat:
		msg = &protocol.Heartbeat{}
	case protocol.MessageKindLog:
		msg = &protocol.Log{}
	default:
		d.logger.Warn().
			Int("line", d.lineNum).
			Str("kind", string(peek.Kind)).
			Msg("unknown message kind")
		return nil, fmt.Errorf("line %d: unknown message kind: %s", d.lineNum, peek.Kind)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("line %d: failed to decode %s: %w", d.lineNum, peek.Kind, err)
	}
	return msg, nil
}
