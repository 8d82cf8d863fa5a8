// Package tracking is the optional observability sink. Emission never
// fails the run: an unreachable backend degrades to a warning and
// subsequent records are dropped silently.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Record is one per-record observation.
type Record struct {
	RecordKey  string `json:"record_key"`
	BatchID    string `json:"batch_id"`
	Success    bool   `json:"success"`
	Attempt    int    `json:"attempt,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	Model      string `json:"model,omitempty"`
	PromptName string `json:"prompt_name,omitempty"`
}

// Tracker receives per-record observations.
type Tracker interface {
	Emit(ctx context.Context, rec Record)
	Close()
}

// Noop returns a tracker that discards everything.
func Noop() Tracker {
	return noopTracker{}
}

type noopTracker struct{}

func (noopTracker) Emit(context.Context, Record) {}
func (noopTracker) Close()                       {}

// SinkConfig configures the HTTP sink.
type SinkConfig struct {
	Endpoint  string // POST target; empty disables the sink
	Project   string
	QueueSize int           // buffered records (default: 256)
	Timeout   time.Duration // per-request timeout (default: 5s)
	Logger    *slog.Logger
}

// Sink posts records to an HTTP endpoint from a background goroutine.
// A full queue drops the record; a failed post logs one warning and
// keeps going.
type Sink struct {
	endpoint string
	project  string
	client   *http.Client
	logger   *slog.Logger

	queue    chan Record
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}

	warnOnce sync.Once
}

// NewSink creates and starts a sink. Returns a Noop tracker when no
// endpoint is configured.
func NewSink(cfg SinkConfig) Tracker {
	if cfg.Endpoint == "" {
		return Noop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sink{
		endpoint: cfg.Endpoint,
		project:  cfg.Project,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
		queue:    make(chan Record, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Emit enqueues a record; drops it if the queue is full.
func (s *Sink) Emit(_ context.Context, rec Record) {
	select {
	case s.queue <- rec:
	default:
		s.logger.Debug("tracking queue full, dropping record", "record_key", rec.RecordKey)
	}
}

// Close drains the queue and stops the sink.
func (s *Sink) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.post(rec)
		case <-s.stop:
			// Drain whatever is already queued.
			for {
				select {
				case rec := <-s.queue:
					s.post(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) post(rec Record) {
	payload, err := json.Marshal(struct {
		Project string `json:"project,omitempty"`
		Record
	}{Project: s.project, Record: rec})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.warnOnce.Do(func() {
			s.logger.Warn("tracking sink unreachable, records will be dropped", "error", err)
		})
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.warnOnce.Do(func() {
			s.logger.Warn("tracking sink rejected record", "status", resp.StatusCode)
		})
	}
}
