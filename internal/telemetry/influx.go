package telemetry

import (
	"context"

	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/sensor"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const sourceTag = "source"

type influxStore struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// NewInfluxStore writes each point synchronously to an InfluxDB v2 bucket.
func NewInfluxStore(cfg InfluxConfig) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Measurement == "" {
		cfg.Measurement = defaultMeasurement
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	return &influxStore{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
	}, nil
}

func (s *influxStore) Write(ctx context.Context, point sensor.Point) error {
	p := influxdb2.NewPoint(
		s.measurement,
		map[string]string{sourceTag: point.Source},
		point.Fields(),
		point.Time(),
	)

	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return errors.New().Wrap(ErrStorageWrite, err)
	}
	return nil
}

func (s *influxStore) Close() error {
	s.client.Close()
	return nil
}

type noopStore struct{}

// NewNoopStore returns a store that discards every point.
func NewNoopStore() Store { return noopStore{} }

func (noopStore) Write(context.Context, sensor.Point) error { return nil }
func (noopStore) Close() error                              { return nil }
