package emf

import (
	"context"
	"encoding/json"
	"fmt"
)

// Record is a metric document handed to a sink. The pipeline never looks
// inside it; it only serializes and forwards it.
type Record = any

// Sink accepts one record at a time.
type Sink interface {
	Accept(record Record) error
}

// ContextSink is implemented by sinks whose Accept does network I/O. The
// background sender prefers it so a forced shutdown can abort a blocked write.
type ContextSink interface {
	Sink
	AcceptContext(ctx context.Context, record Record) error
}

// Serialize encodes a record as a single compact JSON document without a
// trailing newline.
func Serialize(record Record) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}
	return data, nil
}

// serializeLine returns the newline-terminated wire form of a record.
func serializeLine(record Record) ([]byte, error) {
	data, err := Serialize(record)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func acceptContext(ctx context.Context, sink Sink, record Record) error {
	if cs, ok := sink.(ContextSink); ok {
		return cs.AcceptContext(ctx, record)
	}
	return sink.Accept(record)
}
