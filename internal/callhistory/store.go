// Package callhistory persists a terminal summary record per completed
// call for operational visibility. It never stores a transcript.
package callhistory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/internal/bridge"
	mongowrap "github.com/aviatra-labs/voicebridge/pkg/mongo"
	pkgotel "github.com/aviatra-labs/voicebridge/pkg/otel"
)

const collectionName = "call_history"

// Record is the terminal document written once per call. Field names
// mirror the Session Bridge's internal Record shape one-for-one.
type Record struct {
	CallID            string `bson:"call_id"`
	StreamID          string `bson:"stream_id"`
	Direction         string `bson:"direction"`
	Mode              string `bson:"mode"`
	CustomerName      string `bson:"customer_name"`
	CustomerNumber    string `bson:"customer_number"`
	AirtableRecordID  string `bson:"airtable_record_id,omitempty"`
	StartedAt         time.Time `bson:"started_at"`
	EndedAt           time.Time `bson:"ended_at"`
	AMDClassification string `bson:"amd_classification,omitempty"`
	TerminalReason    string `bson:"terminal_reason"`
	ToolCallsCount    int    `bson:"tool_calls_count"`
	CreatedAt         time.Time `bson:"created_at"`
}

// Store writes terminal Call History Records best-effort: enqueueing never
// blocks the caller, and a write failure never propagates back to it.
type Store struct {
	mongo *mongowrap.Client
	log   *zap.Logger
	queue chan Record
}

// New constructs a Store backed by the given Mongo connection. It starts a
// single background writer goroutine that drains the queue.
func New(mongoClient *mongowrap.Client, log *zap.Logger) *Store {
	s := &Store{
		mongo: mongoClient,
		log:   log,
		queue: make(chan Record, 256),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	for rec := range s.queue {
		s.write(rec)
	}
}

func (s *Store) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := pkgotel.ExecuteInsert(ctx, collectionName, func() error {
		_, err := s.mongo.NewQuery(collectionName).Insert(ctx, rec)
		return err
	})
	if err != nil {
		s.log.Warn("failed to persist call history record",
			zap.String("call_id", rec.CallID),
			zap.Error(err),
		)
	}
}

// Record implements bridge.HistoryRecorder. It never blocks past enqueueing:
// if the queue is full the record is dropped and logged, not written
// synchronously, so a slow or unreachable Mongo never stalls session
// teardown.
func (s *Store) Record(rec bridge.Record) {
	doc := Record{
		CallID:            rec.CallID,
		StreamID:          rec.StreamID,
		Direction:         rec.Direction,
		Mode:              rec.Mode,
		CustomerName:      rec.CustomerName,
		CustomerNumber:    rec.CustomerNumber,
		AirtableRecordID:  rec.AirtableRecordID,
		StartedAt:         rec.StartedAt,
		EndedAt:           rec.EndedAt,
		AMDClassification: rec.AMDClassification,
		TerminalReason:    rec.TerminalReason,
		ToolCallsCount:    rec.ToolCallsCount,
		CreatedAt:         time.Now(),
	}
	select {
	case s.queue <- doc:
	default:
		s.log.Warn("call history queue full, dropping record", zap.String("call_id", doc.CallID))
	}
}

// Get retrieves the persisted record for call_id, or (nil, false) if it has
// not been written yet (e.g. the session is still in flight, or the write
// failed).
func (s *Store) Get(ctx context.Context, callID string) (map[string]interface{}, bool) {
	var doc map[string]interface{}
	err := pkgotel.ExecuteFindOne(ctx, collectionName, func() error {
		var findErr error
		doc, findErr = s.mongo.NewQuery(collectionName).Eq("call_id", callID).FindOne(ctx)
		return findErr
	})
	if err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}
