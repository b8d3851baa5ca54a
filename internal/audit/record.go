// Package audit persists the risk engine's security events. Every event is
// written to the audit log; with Elasticsearch or a local journal configured
// it is also stored as a record in a tamper-evident chain.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openidx/loginrisk/internal/common/events"
	"github.com/openidx/loginrisk/pkg/storage"
)

// Record is the indexed form of a security event
type Record struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
	PrincipalID string    `json:"principal_id,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Score       int       `json:"score"`
	Reasons     []string  `json:"reasons"`
	AttemptID   string    `json:"attempt_id,omitempty"`
	ThreatLevel string    `json:"threat_level,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`

	// Tamper evidence: HMAC over the record and the previous record's hash.
	PreviousHash string `json:"previous_hash,omitempty"`
	Hash         string `json:"hash,omitempty"`
}

// RecordFromEvent flattens a bus event. Payload values may arrive typed
// (in-process) or JSON-decoded.
func RecordFromEvent(e events.Event) Record {
	r := Record{
		ID:          e.ID,
		Type:        e.Type,
		Source:      e.Source,
		Timestamp:   e.Timestamp.UTC(),
		PrincipalID: e.UserID,
		TraceID:     e.TraceID,
		Reasons:     []string{},
	}
	if v := stringField(e.Payload, "principal_id"); v != "" {
		r.PrincipalID = v
	}
	r.IPAddress = stringField(e.Payload, "ip_address")
	r.AttemptID = stringField(e.Payload, "attempt_id")
	r.ThreatLevel = stringField(e.Payload, "threat_level")
	r.Detail = stringField(e.Payload, "detail")

	switch v := e.Payload["score"].(type) {
	case int:
		r.Score = v
	case int64:
		r.Score = int(v)
	case float64:
		r.Score = int(v)
	}

	switch v := e.Payload["reasons"].(type) {
	case []string:
		r.Reasons = append(r.Reasons, v...)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				r.Reasons = append(r.Reasons, s)
			}
		}
	}
	return r
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// canonical is the byte string covered by the hash. Field order is fixed.
func (r *Record) canonical() []byte {
	parts := []string{
		r.ID,
		r.Type,
		r.Source,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.PrincipalID,
		r.IPAddress,
		strconv.Itoa(r.Score),
		strings.Join(r.Reasons, ","),
		r.AttemptID,
		r.ThreatLevel,
		r.Detail,
		r.PreviousHash,
	}
	return []byte(strings.Join(parts, "\x00"))
}

// ComputeHash returns the hex HMAC-SHA256 of the record under secret
func (r *Record) ComputeHash(secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(r.canonical())
	return hex.EncodeToString(h.Sum(nil))
}

// Chain links records in publication order.
type Chain struct {
	secret string

	mu   sync.Mutex
	last string
}

// NewChain starts a chain after lastHash (empty for a fresh chain).
func NewChain(secret, lastHash string) *Chain {
	return &Chain{secret: secret, last: lastHash}
}

// Link sets r's PreviousHash and Hash and advances the chain.
func (c *Chain) Link(r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.PreviousHash = c.last
	r.Hash = r.ComputeHash(c.secret)
	c.last = r.Hash
}

// ChainBreakError reports the first record that does not verify
type ChainBreakError struct {
	Index    int
	RecordID string
	Reason   string
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("audit chain broken at record %d (%s): %s", e.Index, e.RecordID, e.Reason)
}

// Verify checks hashes and links of records in order.
func Verify(records []Record, secret string) error {
	for i := range records {
		r := &records[i]
		if i > 0 && r.PreviousHash != records[i-1].Hash {
			return &ChainBreakError{Index: i, RecordID: r.ID, Reason: "previous hash does not match"}
		}
		if !hmac.Equal([]byte(r.Hash), []byte(r.ComputeHash(secret))) {
			return &ChainBreakError{Index: i, RecordID: r.ID, Reason: "hash mismatch"}
		}
	}
	return nil
}

// ReadJournal decodes every journaled record in order.
func ReadJournal(journal storage.AppendOnlyStore) ([]Record, error) {
	entries, err := journal.ReadAll()
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(entries))
	for i, entry := range entries {
		if err := json.Unmarshal(entry, &records[i]); err != nil {
			return nil, &ChainBreakError{Index: i, Reason: "unreadable entry"}
		}
	}
	return records, nil
}

// VerifyJournal checks the hash chain of a journal written with secret.
func VerifyJournal(journal storage.AppendOnlyStore, secret string) error {
	records, err := ReadJournal(journal)
	if err != nil {
		return err
	}
	return Verify(records, secret)
}
