// Package store provides access to the shared telemetry store. All queries
// from this process funnel through one Gateway worker so the store never
// sees concurrent load from overlapping extraction jobs.
package store

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Row is one result row, column name to scalar value.
type Row map[string]any

// Float returns the named column as float64 when present and numeric.
func (r Row) Float(col string) (float64, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (r Row) String(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (r Row) Time(col string) (time.Time, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}

// Client is the connection a single job holds against the telemetry store.
type Client interface {
	Query(ctx context.Context, flux string) ([]Row, error)
	Ping(ctx context.Context) error
	Close()
}

type influxClient struct {
	client influxdb2.Client
	query  api.QueryAPI
}

// Dial opens a store connection. Each extraction job dials its own client on
// start and closes it on every exit path.
func Dial(url, token, org string, timeout time.Duration) Client {
	opts := influxdb2.DefaultOptions()
	if timeout > 0 {
		opts = opts.SetHTTPRequestTimeout(uint(timeout / time.Second))
	}
	c := influxdb2.NewClientWithOptions(url, token, opts)
	return &influxClient{client: c, query: c.QueryAPI(org)}
}

func (c *influxClient) Query(ctx context.Context, flux string) ([]Row, error) {
	result, err := c.query.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for result.Next() {
		values := result.Record().Values()
		row := make(Row, len(values))
		for k, v := range values {
			row[k] = v
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *influxClient) Ping(ctx context.Context) error {
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("telemetry store did not respond to ping")
	}
	return nil
}

func (c *influxClient) Close() {
	c.client.Close()
}
