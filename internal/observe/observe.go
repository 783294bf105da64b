// Package observe owns the observability database: persisted SQL traces,
// HTTP request metrics and process heartbeats. It is kept apart from the
// scores database so monitoring writes never contend with ledger writes.
package observe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hazyhaar/pkg/dbopen"
	"github.com/hazyhaar/pkg/observability"
	"github.com/hazyhaar/pkg/trace"
	_ "modernc.org/sqlite"
)

const (
	metricsBuffer = 100
	metricsFlush  = 5 * time.Second
)

// Sink bundles the observability writers sharing one database.
type Sink struct {
	db        *sql.DB
	metrics   *observability.MetricsManager
	traces    *trace.Store
	heartbeat *observability.HeartbeatWriter
}

// Open opens the observability database at path and applies its schema.
// With persistTraces set, the sqlite-trace driver's entries are stored in
// sql_traces; otherwise traced statements are only logged.
func Open(path string, persistTraces bool) (*Sink, error) {
	// Raw "sqlite" driver: tracing this handle would trace its own writes.
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("opening observability db: %w", err)
	}
	if err := observability.Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("observability schema: %w", err)
	}

	s := &Sink{
		db:      db,
		metrics: observability.NewMetricsManager(db, metricsBuffer, metricsFlush),
	}
	if persistTraces {
		s.traces = trace.NewStore(db)
		if err := s.traces.Init(); err != nil {
			s.Close()
			return nil, fmt.Errorf("trace schema: %w", err)
		}
		trace.SetStore(s.traces)
	}
	return s, nil
}

// StartHeartbeat writes a liveness row for worker every interval until ctx
// ends or Close is called.
func (s *Sink) StartHeartbeat(ctx context.Context, worker string, interval time.Duration) {
	if interval <= 0 || s.heartbeat != nil {
		return
	}
	s.heartbeat = observability.NewHeartbeatWriter(s.db, worker, interval)
	s.heartbeat.Start(ctx)
}

// RecordRequest stores one HTTP request duration, labelled by route pattern
// and status.
func (s *Sink) RecordRequest(route string, status int, d time.Duration) {
	s.metrics.Record(&observability.Metric{
		Name:      "http_request_duration_ms",
		Timestamp: time.Now(),
		Value:     float64(d.Microseconds()) / 1000,
		Unit:      "milliseconds",
		Labels:    map[string]string{"route": route, "status": strconv.Itoa(status)},
	})
}

// Metrics returns stored datapoints for name, newest bounded by limit.
func (s *Sink) Metrics(name string, limit int) ([]*observability.Metric, error) {
	return s.metrics.Query(name, nil, nil, limit)
}

// Close flushes pending writes and closes the database.
func (s *Sink) Close() error {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	var errs []error
	if s.traces != nil {
		trace.SetStore(nil)
		errs = append(errs, s.traces.Close())
	}
	errs = append(errs, s.metrics.Close(), s.db.Close())
	return errors.Join(errs...)
}
