// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered in a package-wide Prometheus registry and can be
// rendered in the Prometheus text exposition format with WriteText.
package metric

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// namespace prefixes every exported metric name.
const namespace = "gpumirror"

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must be of the form /[a-z_/]+")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

var validName = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// registry holds every metric of the process. It is replaced by tests.
var registry = prometheus.NewRegistry()

// names tracks registered metric names to report ErrNameInUse with gVisor
// names rather than Prometheus ones.
var names = map[string]struct{}{}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name    string
	fields  []Field
	counter *prometheus.CounterVec
}

// promName converts a metric name like /buffercache/buffers_created into
// gpumirror_buffercache_buffers_created.
func promName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

func register(name string, c prometheus.Collector) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if _, ok := names[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrNameInUse)
	}
	if err := registry.Register(c); err != nil {
		return fmt.Errorf("registering %q: %w", name, err)
	}
	names[name] = struct{}{}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	labels := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("%q field %q: %w", name, f.name, ErrFieldHasNoAllowedValues)
		}
		labels = append(labels, f.name)
	}
	m := &Uint64Metric{
		name:   name,
		fields: fields,
		counter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName(name),
			Help: description,
		}, labels),
	}
	if err := register(name, m.counter); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// counterFor validates fieldValues and returns the matching counter.
// This must be called with the correct number of field values or it will
// panic.
func (m *Uint64Metric) counterFor(fieldValues []string) prometheus.Counter {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %q: invalid field lookup depth %d, want %d", m.name, len(fieldValues), len(m.fields)))
	}
FieldLookup:
	for i, val := range fieldValues {
		for _, allowed := range m.fields[i].allowedValues {
			if val == allowed {
				continue FieldLookup
			}
		}
		panic(fmt.Sprintf("metric %q: disallowed value %q for field %q", m.name, val, m.fields[i].name))
	}
	return m.counter.WithLabelValues(fieldValues...)
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	var pb dto.Metric
	if err := m.counterFor(fieldValues).Write(&pb); err != nil {
		panic(fmt.Sprintf("metric %q: reading counter: %v", m.name, err))
	}
	return uint64(pb.GetCounter().GetValue())
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counterFor(fieldValues).Inc()
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counterFor(fieldValues).Add(float64(v))
}

// RegisterCustomUint64Metric registers a metric with the given name whose value
// is produced by calling value at collection time. Cumulative metrics are
// exported as counters, others as gauges.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	opts := prometheus.Opts{Name: promName(name), Help: description}
	f := func() float64 { return float64(value()) }
	if cumulative {
		return register(name, prometheus.NewCounterFunc(prometheus.CounterOpts(opts), f))
	}
	return register(name, prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts), f))
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}
