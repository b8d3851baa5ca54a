package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/events"
	"github.com/openidx/loginrisk/internal/common/logger"
	"github.com/openidx/loginrisk/internal/metrics"
	"github.com/openidx/loginrisk/pkg/storage"
)

// DefaultIndex is the Elasticsearch index for security events.
const DefaultIndex = "security-events"

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":            {"type": "keyword"},
      "type":          {"type": "keyword"},
      "source":        {"type": "keyword"},
      "timestamp":     {"type": "date"},
      "principal_id":  {"type": "keyword"},
      "ip_address":    {"type": "ip"},
      "score":         {"type": "integer"},
      "reasons":       {"type": "keyword"},
      "attempt_id":    {"type": "keyword"},
      "threat_level":  {"type": "keyword"},
      "detail":        {"type": "text"},
      "trace_id":      {"type": "keyword"},
      "previous_hash": {"type": "keyword"},
      "hash":          {"type": "keyword"}
    }
  }
}`

// Indexer stores documents. *database.ElasticsearchClient satisfies it.
type Indexer interface {
	EnsureIndex(ctx context.Context, index, mapping string) error
	Index(ctx context.Context, index, docID string, body []byte) error
}

// SinkOptions configures a Sink
type SinkOptions struct {
	Index string
	// HMACSecret enables the hash chain on indexed and journaled records.
	HMACSecret string
	// Journal keeps a local append-only copy of every record. With a
	// secret, the chain resumes from the journal's last record.
	Journal storage.AppendOnlyStore
}

// Sink writes security events to the audit log and the index
type Sink struct {
	audit   *logger.AuditLogger
	indexer Indexer
	journal storage.AppendOnlyStore
	index   string
	chain   *Chain
	logger  *zap.Logger
}

// NewSink creates a sink. indexer and opts.Journal may be nil; with neither,
// events only go to the audit log.
func NewSink(auditLogger *logger.AuditLogger, indexer Indexer, opts SinkOptions, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	if auditLogger == nil {
		auditLogger = logger.NewAuditLogger(log)
	}
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	s := &Sink{
		audit:   auditLogger,
		indexer: indexer,
		journal: opts.Journal,
		index:   opts.Index,
		logger:  log.With(zap.String("component", "audit_sink")),
	}
	if opts.HMACSecret != "" {
		s.chain = NewChain(opts.HMACSecret, s.resumeHash())
	}
	return s
}

func (s *Sink) resumeHash() string {
	if s.journal == nil {
		return ""
	}
	last, err := s.journal.LastEntry()
	if err != nil {
		s.logger.Warn("Failed to read audit journal, starting a new chain", zap.Error(err))
		return ""
	}
	if last == nil {
		return ""
	}
	var rec Record
	if err := json.Unmarshal(last, &rec); err != nil {
		s.logger.Warn("Last audit journal entry is unreadable, starting a new chain", zap.Error(err))
		return ""
	}
	return rec.Hash
}

// Init creates the index if needed.
func (s *Sink) Init(ctx context.Context) error {
	if s.indexer == nil {
		return nil
	}
	if err := s.indexer.EnsureIndex(ctx, s.index, indexMapping); err != nil {
		return fmt.Errorf("failed to ensure index %s: %w", s.index, err)
	}
	return nil
}

// Subscribe attaches the sink to every risk event on bus.
func (s *Sink) Subscribe(bus events.Bus) *events.Subscription {
	return bus.SubscribePrefix(events.PrefixRisk, s.Handle)
}

// Handle processes one event. The audit log write never fails; journal and
// index failures are returned so the bus error handler sees them.
func (s *Sink) Handle(ctx context.Context, e events.Event) error {
	rec := RecordFromEvent(e)
	s.writeAuditLog(rec)
	metrics.RecordSecurityEvent("audit_log", "written")

	if s.indexer == nil && s.journal == nil {
		return nil
	}
	if s.chain != nil {
		s.chain.Link(&rec)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}
	return errors.Join(s.appendJournal(rec, body), s.indexRecord(ctx, rec, body))
}

func (s *Sink) appendJournal(rec Record, body []byte) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Append(body); err != nil {
		metrics.RecordSecurityEvent("journal", "failed")
		s.logger.Error("Failed to journal security event",
			zap.String("event_id", rec.ID),
			zap.String("type", rec.Type),
			zap.Error(err))
		return fmt.Errorf("failed to journal security event %s: %w", rec.ID, err)
	}
	metrics.RecordSecurityEvent("journal", "written")
	return nil
}

func (s *Sink) indexRecord(ctx context.Context, rec Record, body []byte) error {
	if s.indexer == nil {
		return nil
	}
	if err := s.indexer.Index(ctx, s.index, rec.ID, body); err != nil {
		metrics.RecordSecurityEvent("elasticsearch", "failed")
		s.logger.Warn("Failed to index security event",
			zap.String("event_id", rec.ID),
			zap.String("type", rec.Type),
			zap.Error(err))
		return fmt.Errorf("failed to index security event %s: %w", rec.ID, err)
	}
	metrics.RecordSecurityEvent("elasticsearch", "indexed")
	return nil
}

func (s *Sink) writeAuditLog(rec Record) {
	metadata := map[string]interface{}{
		"score":   rec.Score,
		"reasons": rec.Reasons,
	}
	if rec.ThreatLevel != "" {
		metadata["threat_level"] = rec.ThreatLevel
	}
	if rec.TraceID != "" {
		metadata["trace_id"] = rec.TraceID
	}

	name := strings.TrimPrefix(rec.Type, events.PrefixRisk)
	switch name {
	case "attempt_approved":
		s.audit.LogVerification(rec.PrincipalID, rec.AttemptID, "approved", metadata)
	case "attempt_denied":
		s.audit.LogVerification(rec.PrincipalID, rec.AttemptID, "denied", metadata)
	case "attempt_expired":
		s.audit.Log(&logger.AuditEvent{
			EventType:  rec.Type,
			Actor:      rec.PrincipalID,
			Action:     "expire",
			Resource:   "suspicious_login_attempt",
			ResourceID: rec.AttemptID,
			Status:     "expired",
			IPAddress:  rec.IPAddress,
			Metadata:   metadata,
			Timestamp:  rec.Timestamp,
		})
	case "notification_failed", "geo_lookup_failed":
		s.audit.Log(&logger.AuditEvent{
			EventType:  rec.Type,
			Actor:      rec.PrincipalID,
			Action:     name,
			Resource:   "login",
			ResourceID: rec.AttemptID,
			Status:     "failure",
			Reason:     rec.Detail,
			IPAddress:  rec.IPAddress,
			Metadata:   metadata,
			Timestamp:  rec.Timestamp,
		})
	default:
		s.audit.LogSecurityEvent(rec.Type, rec.PrincipalID, rec.IPAddress, rec.Detail, metadata)
	}
}
