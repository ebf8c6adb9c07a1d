// Copyright 2025 StreamNative, Inc.
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

package metric

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Measurement is one gauge observation with its label set. Gauges
// whose label values vary over time (e.g. per-broker metrics) return a
// fresh slice from their callback on every collection.
type Measurement struct {
	Value  float64
	Labels map[string]any
}

type Gauge interface {
	Unregister() error
}

type gauge struct {
	registration metric.Registration
}

func (g *gauge) Unregister() error {
	return g.registration.Unregister()
}

// NewGauge registers an observable gauge whose values are pulled from
// the callback at collection time.
func NewGauge(name string, description string, unit string, callback func() []Measurement) Gauge {
	og, err := meter.Float64ObservableGauge(name,
		metric.WithUnit(unit),
		metric.WithDescription(description))
	fatalOnErr(err, name)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		for _, m := range callback() {
			observer.ObserveFloat64(og, m.Value, getAttrs(m.Labels))
		}
		return nil
	}, og)
	fatalOnErr(err, name)

	return &gauge{registration: registration}
}

func fatalOnErr(err error, name string) {
	if err != nil {
		slog.Error(
			"Failed to create metric",
			slog.String("metric-name", name),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}

func getAttrs(labels map[string]any) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		key := attribute.Key(k)
		var attr attribute.KeyValue
		switch t := v.(type) {
		case int64:
			attr = key.Int64(t)
		case int:
			attr = key.Int(t)
		case float64:
			attr = key.Float64(t)
		case bool:
			attr = key.Bool(t)
		case string:
			attr = key.String(t)

		default:
			slog.Error(fmt.Sprintf("Invalid label type %#v", v))
			os.Exit(1)
		}

		attrs = append(attrs, attr)
	}

	return metric.WithAttributes(attrs...)
}
