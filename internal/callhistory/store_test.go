package callhistory

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/internal/bridge"
)

// newUnstartedStore builds a Store without launching the background writer
// goroutine, so tests can exercise Record's enqueue/drop logic without a
// live Mongo connection.
func newUnstartedStore(capacity int) *Store {
	return &Store{
		log:   zap.NewNop(),
		queue: make(chan Record, capacity),
	}
}

func TestStore_Record_MapsBridgeRecordFieldsOneToOne(t *testing.T) {
	s := newUnstartedStore(1)
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)

	s.Record(bridge.Record{
		CallID:            "CA1",
		StreamID:          "MZ1",
		Direction:         "outbound",
		Mode:              "voicemail",
		CustomerName:      "Jane",
		CustomerNumber:    "+15551234567",
		AirtableRecordID:  "rec123",
		StartedAt:         started,
		EndedAt:           ended,
		AMDClassification: "machine_start",
		TerminalReason:    "watchdog",
		ToolCallsCount:    3,
	})

	select {
	case doc := <-s.queue:
		if doc.CallID != "CA1" || doc.StreamID != "MZ1" || doc.Direction != "outbound" ||
			doc.Mode != "voicemail" || doc.CustomerName != "Jane" || doc.CustomerNumber != "+15551234567" ||
			doc.AirtableRecordID != "rec123" || !doc.StartedAt.Equal(started) || !doc.EndedAt.Equal(ended) ||
			doc.AMDClassification != "machine_start" || doc.TerminalReason != "watchdog" || doc.ToolCallsCount != 3 {
			t.Errorf("field mapping mismatch: %+v", doc)
		}
		if doc.CreatedAt.IsZero() {
			t.Error("expected CreatedAt to be stamped")
		}
	default:
		t.Fatal("expected a record to be enqueued")
	}
}

func TestStore_Record_DropsWhenQueueFull(t *testing.T) {
	s := newUnstartedStore(1)

	s.Record(bridge.Record{CallID: "first"})
	s.Record(bridge.Record{CallID: "second"})

	if len(s.queue) != 1 {
		t.Fatalf("expected exactly 1 record retained, got %d", len(s.queue))
	}
	doc := <-s.queue
	if doc.CallID != "first" {
		t.Errorf("expected the first enqueued record to survive, got %q", doc.CallID)
	}
}

func TestStore_Record_NeverBlocksCaller(t *testing.T) {
	s := newUnstartedStore(0)

	done := make(chan struct{})
	go func() {
		s.Record(bridge.Record{CallID: "never-drained"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on an unbuffered, never-drained queue")
	}
}
