package emf

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WriterSink writes each record as one line of JSON to w.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// NewStdoutSink writes records to standard output.
func NewStdoutSink() *WriterSink {
	return NewWriterSink(os.Stdout)
}

// NewLambdaSink writes records to standard output, where the Lambda runtime
// picks them up and the platform extracts the metrics.
func NewLambdaSink() *WriterSink {
	return NewStdoutSink()
}

// Accept implements Sink.
func (s *WriterSink) Accept(record Record) error {
	line, err := serializeLine(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

// LoggerSink emits each record as the message of a zap log entry.
type LoggerSink struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewLoggerSink creates a sink logging at level.
func NewLoggerSink(logger *zap.Logger, level zapcore.Level) *LoggerSink {
	return &LoggerSink{logger: logger, level: level}
}

// Accept implements Sink.
func (s *LoggerSink) Accept(record Record) error {
	data, err := Serialize(record)
	if err != nil {
		return err
	}
	if ce := s.logger.Check(s.level, string(data)); ce != nil {
		ce.Write()
	}
	return nil
}
