// Package audit records every mutation attempt, whether the gate let it
// through or not. Events fan out to the configured sinks; a failing sink
// never blocks or fails the operation it describes.
package audit

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
)

// Event is one audited mutation attempt.
type Event struct {
	Time       time.Time `json:"time"`
	Principal  string    `json:"principal"`
	Cluster    string    `json:"cluster"`
	DN         string    `json:"dn"`
	Op         string    `json:"op"`
	Outcome    string    `json:"outcome"`
	GateDenied bool      `json:"gate_denied,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Record(ev Event)
	Close()
}

// Stream fans events out to every sink.
type Stream struct {
	sinks []Sink
}

func NewStream(sinks ...Sink) *Stream {
	return &Stream{sinks: sinks}
}

func (s *Stream) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, sink := range s.sinks {
		sink.Record(ev)
	}
}

func (s *Stream) Close() {
	for _, sink := range s.sinks {
		sink.Close()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger hclog.Logger
}

func NewLogSink(logger hclog.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(ev Event) {
	s.logger.Info("mutation",
		"principal", ev.Principal,
		"cluster", ev.Cluster,
		"dn", ev.DN,
		"op", ev.Op,
		"outcome", ev.Outcome,
		"gate_denied", ev.GateDenied)
}

func (s *LogSink) Close() {}

// NATSSink publishes events as JSON to a JetStream subject.
type NATSSink struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	logger  hclog.Logger
}

// NewNATSSink connects to the NATS server and prepares the audit stream.
func NewNATSSink(url, subject string, logger hclog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &NATSSink{
		conn:    conn,
		js:      js,
		subject: subject,
		logger:  logger.Named("audit.nats"),
	}, nil
}

func (s *NATSSink) Record(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal audit event", "error", err)
		return
	}
	if _, err := s.js.PublishAsync(s.subject, payload); err != nil {
		s.logger.Warn("publish audit event", "error", err)
	}
}

func (s *NATSSink) Close() {
	select {
	case <-s.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
	}
	s.conn.Close()
}
