package emf

import (
	"encoding/json"
	"sync"
	"time"
)

// Dimension is one name/value pair that identifies a metric.
type Dimension struct {
	Name  string
	Value string
}

// MetricDefinition declares a metric whose value lives in the property of
// the same name.
type MetricDefinition struct {
	Name string `json:"Name"`
	Unit Unit   `json:"Unit,omitempty"`
}

// Document is one embedded metric format record.
type Document struct {
	Timestamp     time.Time
	Namespace     string
	LogGroupName  string
	LogStreamName string
	Dimensions    []Dimension
	Metrics       []MetricDefinition
	Properties    map[string]any
}

// MarshalJSON renders the document in embedded metric format: the metric
// metadata under "_aws", dimensions and properties at the top level.
func (d *Document) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(d.Dimensions))
	for _, dim := range d.Dimensions {
		names = append(names, dim.Name)
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = []MetricDefinition{}
	}

	aws := map[string]any{
		"Timestamp": d.Timestamp.UnixMilli(),
		"CloudWatchMetrics": []map[string]any{{
			"Namespace":  d.Namespace,
			"Dimensions": [][]string{names},
			"Metrics":    metrics,
		}},
	}
	if d.LogGroupName != "" {
		aws["LogGroupName"] = d.LogGroupName
	}
	if d.LogStreamName != "" {
		aws["LogStreamName"] = d.LogStreamName
	}

	out := make(map[string]any, 1+len(d.Dimensions)+len(d.Properties))
	out["_aws"] = aws
	for _, dim := range d.Dimensions {
		out[dim.Name] = dim.Value
	}
	for k, v := range d.Properties {
		out[k] = v
	}
	return json.Marshal(out)
}

// Sample is one numeric metric value with the dimensions it was recorded under.
type Sample struct {
	Namespace string
	Name      string
	Unit      Unit
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// SampleSource is a record that can be read as numeric samples.
type SampleSource interface {
	Samples() []Sample
}

// Samples returns one sample per declared metric with a numeric value.
func (d *Document) Samples() []Sample {
	samples := make([]Sample, 0, len(d.Metrics))
	for _, def := range d.Metrics {
		v, ok := toFloat(d.Properties[def.Name])
		if !ok {
			continue
		}
		labels := make(map[string]string, len(d.Dimensions))
		for _, dim := range d.Dimensions {
			labels[dim.Name] = dim.Value
		}
		samples = append(samples, Sample{
			Namespace: d.Namespace,
			Name:      def.Name,
			Unit:      def.Unit,
			Value:     v,
			Labels:    labels,
			Timestamp: d.Timestamp,
		})
	}
	return samples
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// Metrics collects dimensions, metrics and properties and flushes them to a
// sink as one Document. It is safe for concurrent use.
type Metrics struct {
	sink          Sink
	namespace     string
	logGroupName  string
	logStreamName string
	defaults      []Dimension

	mu         sync.Mutex
	dimensions []Dimension
	metrics    []MetricDefinition
	properties map[string]any

	// now stamps flushed documents; tests replace it.
	now func() time.Time
}

// NewMetrics creates a builder flushing to sink. A nil cfg uses DefaultConfig.
// ServiceName and ServiceType, when set, become dimensions of every document.
func NewMetrics(sink Sink, cfg *Config) *Metrics {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Metrics{
		sink:          sink,
		namespace:     cfg.Namespace,
		logGroupName:  cfg.LogGroupName,
		logStreamName: cfg.LogStreamName,
		properties:    make(map[string]any),
		now:           time.Now,
	}
	if m.namespace == "" {
		m.namespace = DefaultNamespace
	}
	if cfg.ServiceName != "" {
		m.defaults = append(m.defaults, Dimension{Name: "ServiceName", Value: cfg.ServiceName})
	}
	if cfg.ServiceType != "" {
		m.defaults = append(m.defaults, Dimension{Name: "ServiceType", Value: cfg.ServiceType})
	}
	return m
}

// PutDimension adds a dimension.
func (m *Metrics) PutDimension(name, value string) *Metrics {
	m.mu.Lock()
	m.dimensions = append(m.dimensions, Dimension{Name: name, Value: value})
	m.mu.Unlock()
	return m
}

// PutMetric declares a metric and stores its value.
func (m *Metrics) PutMetric(name string, value float64, unit Unit) *Metrics {
	m.mu.Lock()
	m.metrics = append(m.metrics, MetricDefinition{Name: name, Unit: unit})
	m.properties[name] = value
	m.mu.Unlock()
	return m
}

// SetProperty stores a value that is searchable in the logs but is not a metric.
func (m *Metrics) SetProperty(name string, value any) *Metrics {
	m.mu.Lock()
	m.properties[name] = value
	m.mu.Unlock()
	return m
}

// Empty reports whether nothing has been recorded since the last flush.
func (m *Metrics) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.empty()
}

func (m *Metrics) empty() bool {
	return len(m.dimensions) == 0 && len(m.metrics) == 0 && len(m.properties) == 0
}

// Document returns the current contents without flushing.
func (m *Metrics) Document() *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.document()
}

func (m *Metrics) document() *Document {
	dims := make([]Dimension, 0, len(m.defaults)+len(m.dimensions))
	dims = append(dims, m.defaults...)
	dims = append(dims, m.dimensions...)
	props := make(map[string]any, len(m.properties))
	for k, v := range m.properties {
		props[k] = v
	}
	return &Document{
		Timestamp:     m.now(),
		Namespace:     m.namespace,
		LogGroupName:  m.logGroupName,
		LogStreamName: m.logStreamName,
		Dimensions:    dims,
		Metrics:       append([]MetricDefinition(nil), m.metrics...),
		Properties:    props,
	}
}

// Flush hands the recorded document to the sink and starts a new one.
// Nothing is sent when nothing was recorded.
func (m *Metrics) Flush() error {
	m.mu.Lock()
	if m.empty() {
		m.mu.Unlock()
		return nil
	}
	doc := m.document()
	m.dimensions = nil
	m.metrics = nil
	m.properties = make(map[string]any)
	m.mu.Unlock()

	return m.sink.Accept(doc)
}

// Do runs fn against the builder and flushes afterwards, even if fn panics.
func (m *Metrics) Do(fn func(m *Metrics)) (err error) {
	defer func() {
		if ferr := m.Flush(); ferr != nil {
			err = ferr
		}
	}()
	fn(m)
	return nil
}

// Benchmark times fn.
func (m *Metrics) Benchmark(fn func()) time.Duration {
	start := time.Now()
	fn()
	return time.Since(start)
}
