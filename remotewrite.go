package emf

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/eryajf/promwrite"
	"go.uber.org/zap"
)

// RemoteWriteConfig configures a RemoteWriteSink.
type RemoteWriteConfig struct {
	// URL is the remote write endpoint, e.g. http://prometheus:9090/api/v1/write.
	URL     string
	Timeout time.Duration
	// Labels are added to every time series.
	Labels map[string]string
	Logger *zap.Logger
}

// RemoteWriteSink forwards documents to a Prometheus remote write endpoint,
// one time series per metric. It accepts records implementing SampleSource,
// such as *Document.
type RemoteWriteSink struct {
	client *promwrite.Client
	cfg    RemoteWriteConfig
	logger *zap.Logger
}

// NewRemoteWriteSink creates a remote write sink.
func NewRemoteWriteSink(cfg RemoteWriteConfig) (*RemoteWriteSink, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: expected http(s) remote write url, got %q", ErrInvalidEndpoint, cfg.URL)
	}
	cfg.Timeout = pickDuration(cfg.Timeout, 15*time.Second)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteWriteSink{
		client: promwrite.NewClient(cfg.URL),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Accept implements Sink.
func (s *RemoteWriteSink) Accept(record Record) error {
	return s.AcceptContext(context.Background(), record)
}

// AcceptContext writes the samples of record.
func (s *RemoteWriteSink) AcceptContext(ctx context.Context, record Record) error {
	src, ok := record.(SampleSource)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedRecord, record)
	}
	tsList := s.convertToTimeSeries(src.Samples())
	if len(tsList) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if _, err := s.client.Write(ctx, &promwrite.WriteRequest{TimeSeries: tsList}); err != nil {
		return fmt.Errorf("writing time series failed: %w", err)
	}
	s.logger.Debug("wrote time series", zap.Int("series", len(tsList)))
	return nil
}

// convertToTimeSeries maps samples to remote write series named
// <namespace>_<metric>, labelled with the sample dimensions.
func (s *RemoteWriteSink) convertToTimeSeries(samples []Sample) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(samples))

	for _, sample := range samples {
		// Later sets win: sample dimensions over configured labels over the
		// unit. __name__ is never overridden.
		set := make(map[string]string, 2+len(s.cfg.Labels)+len(sample.Labels))
		if sample.Unit != "" && sample.Unit != None {
			set["unit"] = string(sample.Unit)
		}
		putLabels(set, s.cfg.Labels)
		putLabels(set, sample.Labels)
		set["__name__"] = sanitizeName(sample.Namespace) + "_" + sanitizeName(sample.Name)

		labels := make([]promwrite.Label, 0, len(set))
		for name, value := range set {
			labels = append(labels, promwrite.Label{Name: name, Value: value})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

		ts := sample.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  ts,
				Value: sample.Value,
			},
		})
	}

	return result
}

// putLabels copies src into dst under sanitized names. Names that sanitize
// alike resolve in key order so the result does not depend on map iteration.
func putLabels(dst, src map[string]string) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dst[sanitizeName(k)] = src[k]
	}
}

// sanitizeName replaces characters Prometheus does not allow in metric and
// label names.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
