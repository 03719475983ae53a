package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/payperplay/autopower/pkg/logger"
)

const measurement = "power_event"

// EventData is a generic event structure that doesn't depend on internal/events
type EventData struct {
	ID        string
	Type      string
	Timestamp time.Time
	Source    string
	Server    string
	Data      map[string]interface{}
}

// EventFilters for querying events
type EventFilters struct {
	Types     []string
	Server    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// InfluxDBClient manages connection to InfluxDB for time-series event storage
type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	org      string
	bucket   string
}

// InfluxDBConfig holds InfluxDB connection configuration
type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxDBClient creates a new InfluxDB client
func NewInfluxDBClient(config InfluxDBConfig) (*InfluxDBClient, error) {
	client := influxdb2.NewClient(config.URL, config.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	logger.Info("InfluxDB connection established", map[string]interface{}{
		"url":    config.URL,
		"org":    config.Org,
		"bucket": config.Bucket,
		"status": health.Status,
	})

	writeAPI := client.WriteAPI(config.Org, config.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Error("InfluxDB write failed", err, map[string]interface{}{
				"bucket": config.Bucket,
			})
		}
	}()

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: client.QueryAPI(config.Org),
		org:      config.Org,
		bucket:   config.Bucket,
	}, nil
}

// WriteEvent writes an event to InfluxDB as a time-series point. The write
// is batched and non-blocking.
func (c *InfluxDBClient) WriteEvent(event EventData) error {
	c.writeAPI.WritePoint(eventPoint(event))
	return nil
}

func eventPoint(event EventData) *write.Point {
	fields := make(map[string]interface{}, len(event.Data)+1)
	for k, v := range event.Data {
		fields[k] = v
	}
	// A point needs at least one field.
	fields["count"] = 1

	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"event_id":   event.ID,
			"event_type": event.Type,
			"source":     event.Source,
			"server":     event.Server,
		},
		fields,
		event.Timestamp,
	)
}

// Flush ensures all pending writes are sent to InfluxDB
func (c *InfluxDBClient) Flush() {
	c.writeAPI.Flush()
}

// QueryEvents queries events from InfluxDB with filters
func (c *InfluxDBClient) QueryEvents(ctx context.Context, filters EventFilters) ([]EventData, error) {
	query := buildFluxQuery(c.bucket, filters)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query InfluxDB: %w", err)
	}
	defer result.Close()

	var eventsList []EventData
	for result.Next() {
		record := result.Record()

		event := EventData{
			ID:        stringValue(record.ValueByKey("event_id")),
			Type:      stringValue(record.ValueByKey("event_type")),
			Timestamp: record.Time(),
			Source:    stringValue(record.ValueByKey("source")),
			Server:    stringValue(record.ValueByKey("server")),
			Data:      make(map[string]interface{}),
		}

		for k, v := range record.Values() {
			switch k {
			case "_time", "_measurement", "_start", "_stop", "result", "table",
				"event_id", "event_type", "source", "server", "count":
				continue
			}
			event.Data[k] = v
		}

		eventsList = append(eventsList, event)

		if filters.Limit > 0 && len(eventsList) >= filters.Limit {
			break
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}

	return eventsList, nil
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// buildFluxQuery builds a Flux query from filters. Fields are pivoted into
// columns so each row is one event.
func buildFluxQuery(bucket string, filters EventFilters) string {
	var b strings.Builder
	fmt.Fprintf(&b, `from(bucket: %q)`, bucket)

	if !filters.StartTime.IsZero() {
		fmt.Fprintf(&b, "\n  |> range(start: %s", filters.StartTime.UTC().Format(time.RFC3339))
		if !filters.EndTime.IsZero() {
			fmt.Fprintf(&b, ", stop: %s", filters.EndTime.UTC().Format(time.RFC3339))
		}
		b.WriteString(")")
	} else {
		// Default to last 24 hours
		b.WriteString("\n  |> range(start: -24h)")
	}

	fmt.Fprintf(&b, "\n  |> filter(fn: (r) => r._measurement == %q)", measurement)

	if len(filters.Types) > 0 {
		b.WriteString("\n  |> filter(fn: (r) => ")
		for i, eventType := range filters.Types {
			if i > 0 {
				b.WriteString(" or ")
			}
			fmt.Fprintf(&b, "r.event_type == %q", eventType)
		}
		b.WriteString(")")
	}

	if filters.Server != "" {
		fmt.Fprintf(&b, "\n  |> filter(fn: (r) => r.server == %q)", filters.Server)
	}

	b.WriteString("\n  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")")
	b.WriteString("\n  |> group()")
	b.WriteString("\n  |> sort(columns: [\"_time\"], desc: true)")

	if filters.Limit > 0 {
		fmt.Fprintf(&b, "\n  |> limit(n: %d)", filters.Limit)
	}

	return b.String()
}

// Close closes the InfluxDB client and flushes pending writes
func (c *InfluxDBClient) Close() {
	c.writeAPI.Flush()
	c.client.Close()
	logger.Info("InfluxDB client closed", nil)
}
