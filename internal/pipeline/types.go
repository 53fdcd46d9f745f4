// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

// Package pipeline defines the domain types shared by every pipeline stage:
// the CDC extractor, the conversation assembler, the ML-result indexer, and
// the DLQ processor. These are the envelope payloads carried over the bus
// (internal/eventprocessor) and persisted to the source database
// (internal/sourcedb).
package pipeline

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the current wire schema version for bus envelopes.
const EnvelopeVersion = 1

// ChangeType enumerates the row mutations the CDC extractor observes in the
// source changelog table.
type ChangeType string

const (
	ChangeTypeInsert ChangeType = "INSERT"
	ChangeTypeUpdate ChangeType = "UPDATE"
	ChangeTypeDelete ChangeType = "DELETE"
)

// Owner identifies which side of a call produced an utterance.
type Owner string

const (
	OwnerAgent    Owner = "A"
	OwnerCustomer Owner = "C"
)

// ChangeEvent is one row mutation in the source text table, as emitted by
// the CDC extractor onto the cdc-raw stream.
//
// Identity: changeLogId uniquely identifies a row-version; (CallID,
// ChangeLogID) identifies a message within a call.
type ChangeEvent struct {
	CallID          string     `json:"callId"`
	ChangeType      ChangeType `json:"changeType"`
	Owner           Owner      `json:"owner"`
	Text            string     `json:"text"`
	TextTime        time.Time  `json:"textTime"`
	CallTime        time.Time  `json:"callTime"`
	ChangeLogID     int64      `json:"changeLogId"`
	BAN             string     `json:"ban"`
	SubscriberNo    string     `json:"subscriberNo"`
	ChangeTimestamp time.Time  `json:"changeTimestamp"`
}

// Validate checks the required fields of a ChangeEvent.
func (e *ChangeEvent) Validate() error {
	if e.CallID == "" {
		return &ValidationError{Field: "callId", Message: "required"}
	}
	if e.ChangeType == "" {
		return &ValidationError{Field: "changeType", Message: "required"}
	}
	if e.ChangeLogID == 0 {
		return &ValidationError{Field: "changeLogId", Message: "required"}
	}
	return nil
}

// Topic returns the bus stream this event is published on.
func (e *ChangeEvent) Topic() string { return "cdc-raw" }

// PartitionKey returns the stringified callId used as the bus partition key,
// which guarantees per-call ordering for all downstream consumers.
func (e *ChangeEvent) PartitionKey() string { return e.CallID }

// MessageIdentity returns the (callId, changeLogId) pair that uniquely
// identifies the ConversationMessage derived from this event.
func (e *ChangeEvent) MessageIdentity() (string, int64) { return e.CallID, e.ChangeLogID }

// Speaker derives the ConversationMessage speaker from the raw Owner code.
func (e *ChangeEvent) Speaker() string {
	if e.Owner == OwnerAgent {
		return "agent"
	}
	return "customer"
}

// ConversationMessage is one utterance inside a call. Identity is
// (CallID, ChangeLogID); duplicates by identity are upserted in the
// assembler's buffer, never appended.
type ConversationMessage struct {
	CallID      string    `json:"callId"`
	ChangeLogID int64     `json:"changeLogId"`
	Speaker     string    `json:"speaker"` // agent | customer
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConversationBuffer is the assembler's transient, in-memory accumulation
// state for one call, keyed by CallID. It is removed once emitted.
type ConversationBuffer struct {
	CallID       string
	CustomerID   string // = BAN
	SubscriberID string
	Messages     []ConversationMessage
	StartTime    time.Time
	EndTime      time.Time
	LastActivity time.Time
}

// UpsertMessage inserts or updates a message by (CallID, ChangeLogID)
// identity, re-sorts by timestamp, and extends [StartTime, EndTime].
// It does not touch LastActivity: callers apply the 500ms damping window
// themselves, since that decision depends on wall clock state the buffer
// does not own.
func (b *ConversationBuffer) UpsertMessage(msg ConversationMessage) {
	found := false
	for i := range b.Messages {
		if b.Messages[i].ChangeLogID == msg.ChangeLogID {
			b.Messages[i] = msg
			found = true
			break
		}
	}
	if !found {
		b.Messages = append(b.Messages, msg)
	}

	sortMessagesByTimestamp(b.Messages)

	if b.StartTime.IsZero() || msg.Timestamp.Before(b.StartTime) {
		b.StartTime = msg.Timestamp
	}
	if msg.Timestamp.After(b.EndTime) {
		b.EndTime = msg.Timestamp
	}
}

// RemoveMessage deletes a message by (CallID, ChangeLogID) identity, used
// when a DELETE ChangeEvent arrives. Returns true if a message was removed.
func (b *ConversationBuffer) RemoveMessage(changeLogID int64) bool {
	for i := range b.Messages {
		if b.Messages[i].ChangeLogID == changeLogID {
			b.Messages = append(b.Messages[:i], b.Messages[i+1:]...)
			return true
		}
	}
	return false
}

func sortMessagesByTimestamp(msgs []ConversationMessage) {
	// Small slices (one call's utterances); insertion sort keeps it stable
	// and avoids sort.Slice's reflection overhead on the assembler hot path.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Timestamp.Before(msgs[j-1].Timestamp); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// Participants describes the speaker membership of an emitted conversation.
type Participants struct {
	Agent    []string `json:"agent"`    // ["agent"] if any agent message exists
	Customer []string `json:"customer"` // [subscriberId]
}

// ConversationAssembly is the sealed, emitted form of a ConversationBuffer
// plus computed metadata, published on the conv-assembled stream. Once
// emitted for a callId, any later ChangeEvent for that call opens a new
// buffer; downstream is keyed for upsert so re-emission is safe.
type ConversationAssembly struct {
	CallID                string                 `json:"callId"`
	CustomerID             string                 `json:"customerId"`
	SubscriberID           string                 `json:"subscriberId"`
	Messages               []ConversationMessage  `json:"messages"`
	Duration               int64                  `json:"duration"` // milliseconds, endTime - startTime
	MessageCount           int                     `json:"messageCount"`
	AgentMessageCount      int                    `json:"agentMessageCount"`
	CustomerMessageCount   int                    `json:"customerMessageCount"`
	Participants           Participants           `json:"participants"`
}

// NewConversationAssembly seals a buffer into its emitted form.
func NewConversationAssembly(b *ConversationBuffer) *ConversationAssembly {
	agentCount, customerCount := 0, 0
	for _, m := range b.Messages {
		if m.Speaker == "agent" {
			agentCount++
		} else {
			customerCount++
		}
	}
	// The source schema carries an agent/customer owner flag, not a
	// distinct per-speaker identifier, so the agent participant list
	// collapses to a single label whenever any agent message is present.
	var agents []string
	if agentCount > 0 {
		agents = []string{"agent"}
	}

	return &ConversationAssembly{
		CallID:               b.CallID,
		CustomerID:           b.CustomerID,
		SubscriberID:         b.SubscriberID,
		Messages:             append([]ConversationMessage(nil), b.Messages...),
		Duration:             b.EndTime.Sub(b.StartTime).Milliseconds(),
		MessageCount:         len(b.Messages),
		AgentMessageCount:    agentCount,
		CustomerMessageCount: customerCount,
		Participants: Participants{
			Agent:    agents,
			Customer: []string{b.SubscriberID},
		},
	}
}

// Topic returns the bus stream a ConversationAssembly is published on.
func (c *ConversationAssembly) Topic() string { return "conv-assembled" }

// PartitionKey returns the stringified callId bus partition key.
func (c *ConversationAssembly) PartitionKey() string { return c.CallID }

// MLResult is the output of the external ML enrichment service, keyed by
// CallID, consumed from the ml-processing-queue stream.
type MLResult struct {
	CallID              string          `json:"callId"`
	ConversationText    string          `json:"conversationText"`
	Embedding           []float32       `json:"embedding"` // fixed-dimension vector, 768-dim
	Sentiment           Sentiment       `json:"sentiment"`
	Language            Language        `json:"language"`
	Entities            []Entity        `json:"entities"`
	Summary             string          `json:"summary"`
	Topics              []string        `json:"topics"`
	Classifications     []string        `json:"classifications"`
	ConversationContext ConversationContext `json:"conversationContext"`
}

// Sentiment carries the overall sentiment classification for a call.
type Sentiment struct {
	Overall string  `json:"overall"`
	Score   float64 `json:"score"`
}

// Language carries the detected language of a conversation.
type Language struct {
	Detected   string  `json:"detected"`
	Confidence float64 `json:"confidence"`
}

// Entity is a named entity extracted from the conversation text.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ConversationContext echoes the assembly metadata the ML service was
// given, so it round-trips into the final IndexDocument without a second
// lookup against the assembler's (already-discarded) buffer.
type ConversationContext struct {
	MessageCount int          `json:"messageCount"`
	Duration     int64        `json:"duration"`
	StartTime    time.Time    `json:"startTime"`
	EndTime      time.Time    `json:"endTime"`
	Participants Participants `json:"participants"`
}

// Validate checks the fields the indexer requires to build an IndexDocument.
func (r *MLResult) Validate() error {
	if r.CallID == "" {
		return &ValidationError{Field: "callId", Message: "required"}
	}
	if len(r.Embedding) == 0 {
		return &ValidationError{Field: "embedding", Message: "required"}
	}
	return nil
}

// IndexDocument is the final document stored in the per-tenant search
// index. Identity is CallID; the document always carries CustomerID equal
// to the owning tenant.
type IndexDocument struct {
	CallID               string              `json:"callId"`
	CustomerID           string              `json:"customerId"`
	SubscriberID         string              `json:"subscriberId,omitempty"`
	ConversationText     string              `json:"conversationText"`
	Embedding            []float32           `json:"embedding"`
	Sentiment            Sentiment           `json:"sentiment"`
	Language             Language            `json:"language"`
	Entities             []Entity            `json:"entities"`
	Summary              string              `json:"summary"`
	Topics               []string            `json:"topics"`
	Classifications      []string            `json:"classifications"`
	ConversationMetadata ConversationContext `json:"conversationMetadata"`
	IndexedAt            time.Time           `json:"indexedAt"`
}

// NewIndexDocument materializes an IndexDocument from an MLResult, stamping
// the tenant and indexing time.
func NewIndexDocument(r *MLResult, customerID string) *IndexDocument {
	return &IndexDocument{
		CallID:               r.CallID,
		CustomerID:           customerID,
		SubscriberID:         r.ConversationContext.Participants.Customer0(),
		ConversationText:     r.ConversationText,
		Embedding:            r.Embedding,
		Sentiment:            r.Sentiment,
		Language:             r.Language,
		Entities:             r.Entities,
		Summary:              r.Summary,
		Topics:               r.Topics,
		Classifications:      r.Classifications,
		ConversationMetadata: r.ConversationContext,
		IndexedAt:            time.Now().UTC(),
	}
}

// Customer0 returns the first customer participant, or "" when there is
// none, so NewIndexDocument doesn't need a bounds check at each call site.
func (p Participants) Customer0() string {
	if len(p.Customer) == 0 {
		return ""
	}
	return p.Customer[0]
}

// IndexKindTranscriptions and IndexKindSummaries are the two index kinds
// the search façade maintains per tenant.
const (
	IndexKindTranscriptions = "transcriptions"
	IndexKindSummaries      = "summaries"
)

// IndexName returns the per-tenant, per-kind index name, matching the
// {prefix}-{lower(customerId)}-{kind} convention.
func IndexName(prefix, customerID, kind string) string {
	return prefix + "-" + lower(customerID) + "-" + kind
}

// IndexWildcard returns the admin cross-tenant search pattern for kind,
// used when an operations-tooling caller passes a null customerId.
func IndexWildcard(prefix, kind string) string {
	return prefix + "-*-" + kind
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// IndexNotification reports the outcome of one bulk-index write, published
// on the opensearch-bulk-index stream for observability. Status is either
// "success" or "failed"; Error is only set for the latter.
type IndexNotification struct {
	CallIDs   []string  `json:"callIds"`
	Status    string    `json:"status"`
	BatchSize int       `json:"batchSize"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

const (
	IndexNotificationSuccess = "success"
	IndexNotificationFailed  = "failed"
)

// Topic returns the indexing-notification stream name.
func (IndexNotification) Topic() string { return "opensearch-bulk-index" }

// PartitionKey partitions notifications by the first callId in the batch,
// or "" for an empty batch.
func (n *IndexNotification) PartitionKey() string {
	if len(n.CallIDs) == 0 {
		return ""
	}
	return n.CallIDs[0]
}

// DLQRecord is a failed message routed to the failed-records-dlq stream.
// Invariant: Attempts strictly increases across reprocessing; a record
// whose OriginalStream equals the DLQ stream itself must never be
// re-emitted to the DLQ (loop prevention).
type DLQRecord struct {
	OriginalStream  string    `json:"originalStream"`
	OriginalMessage string    `json:"originalMessage"` // the raw envelope bytes that failed, as text
	Error           string    `json:"error"`
	FirstErrorAt    time.Time `json:"firstErrorAt"`
	Attempts        int       `json:"attempts"`
}

// Topic returns the DLQ stream name.
func (DLQRecord) Topic() string { return "failed-records-dlq" }

// DLQKey returns the bus partition key for a DLQRecord envelope:
// {originalStream}-{unix_ns}.
func (r *DLQRecord) DLQKey(at time.Time) string {
	return r.OriginalStream + "-" + strconv.FormatInt(at.UnixNano(), 10)
}

// PartitionKey returns the bus partition key, reusing DLQKey against
// FirstErrorAt so redelivery of the same failure keeps its identity.
func (r *DLQRecord) PartitionKey() string { return r.DLQKey(r.FirstErrorAt) }

// IsLoopCandidate reports whether re-emitting this record to the DLQ would
// create a self-referential loop.
func (r *DLQRecord) IsLoopCandidate() bool {
	return r.OriginalStream == (DLQRecord{}).Topic()
}

// CDCMode identifies one of the two CDC polling modes. Each extractor runs
// one mode.
type CDCMode string

const (
	CDCModeNormal     CDCMode = "NORMAL"
	CDCModeHistorical CDCMode = "HISTORICAL"
)

// CDCModeStatus is one persisted row tracking a CDC polling mode's
// progress. Rows are shared across extractor instances; writers use
// last-write-wins per mode.
type CDCModeStatus struct {
	Mode                  CDCMode   `json:"mode"`
	LastProcessedTimestamp time.Time `json:"lastProcessedTimestamp"`
	Enabled               bool      `json:"enabled"`
	LastUpdated           time.Time `json:"lastUpdated"`
}

// Envelope is the self-describing wire format every bus message is wrapped
// in: {messageId, timestamp, type, source, version, payload...}.
type Envelope struct {
	MessageID string      `json:"messageId"`
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Version   int         `json:"version"`
	Payload   interface{} `json:"payload"`
}

// NewEnvelope wraps a payload with a fresh message ID and current
// timestamp, stamping the schema version and declared message type.
func NewEnvelope(msgType, source string, payload interface{}) *Envelope {
	return &Envelope{
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Source:    source,
		Version:   EnvelopeVersion,
		Payload:   payload,
	}
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
