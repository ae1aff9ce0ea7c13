// Package amd correlates asynchronous Telco answering-machine-detection
// callbacks with the Session that eventually binds to the same call id,
// since the two events can arrive in either order.
package amd

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/pkg/metrics"
)

const (
	defaultWatchdogTimeout = 60 * time.Second
	gcAge                  = 10 * time.Minute
	finalizeLockTTL        = 2 * time.Minute
)

// Classification is one of the AMD outcomes the Telco can report.
type Classification string

const (
	ClassificationHuman             Classification = "human"
	ClassificationMachineStart      Classification = "machine_start"
	ClassificationMachineEndBeep    Classification = "machine_end_beep"
	ClassificationMachineEndSilence Classification = "machine_end_silence"
	ClassificationMachineEndOther   Classification = "machine_end_other"
	ClassificationFax               Classification = "fax"
	ClassificationUnknown           Classification = "unknown"
)

func (c Classification) isMachine() bool {
	switch c {
	case ClassificationMachineStart, ClassificationMachineEndBeep, ClassificationMachineEndSilence, ClassificationMachineEndOther, ClassificationFax:
		return true
	default:
		return false
	}
}

type record struct {
	classification Classification
	arrivedAt      time.Time
}

// Finalizer forcibly ends a call whose AMD classification indicates a
// machine or fax pickup, even if no Session ever binds to it.
type Finalizer func(callID string)

// Registry is the process-wide call_id -> classification map.
type Registry struct {
	mu              sync.Mutex
	records         map[string]record
	watchdogs       map[string]*time.Timer
	finalizer       Finalizer
	watchdogTimeout time.Duration
	redis           *redis.Client
	log             *zap.Logger
}

// New constructs a Registry. finalizer is invoked at most once per call id,
// watchdogTimeout after a machine/fax classification is recorded, unless the
// entry is consumed first. A non-positive watchdogTimeout falls back to 60s.
func New(finalizer Finalizer, watchdogTimeout time.Duration, log *zap.Logger) *Registry {
	if watchdogTimeout <= 0 {
		watchdogTimeout = defaultWatchdogTimeout
	}
	return &Registry{
		records:         make(map[string]record),
		watchdogs:       make(map[string]*time.Timer),
		finalizer:       finalizer,
		watchdogTimeout: watchdogTimeout,
		log:             log,
	}
}

// WithRedis enables a distributed finalize-once lock so that a
// horizontally-scaled deployment finalizes a given Telco call exactly once
// even though its AMD watchdog and its Session Bridge may live in different
// processes. Optional: a nil client leaves the Registry purely in-process.
func (r *Registry) WithRedis(client *redis.Client) *Registry {
	r.redis = client
	return r
}

// TryFinalizeOnce reports whether the caller won the right to finalize
// callID. When no Redis client is configured every caller wins (there is
// only one process). When one is configured, the first caller across the
// whole deployment to reach this point wins via SETNX; later callers for
// the same call id are told they already lost the race.
func (r *Registry) TryFinalizeOnce(callID string) bool {
	if r.redis == nil {
		return true
	}
	key := finalizeLockKey(callID)
	won, err := r.redis.SetNX(context.Background(), key, "1", finalizeLockTTL).Result()
	if err != nil {
		r.log.Debug("finalize lock check failed, assuming ownership", zap.Error(err))
		return true
	}
	return won
}

func finalizeLockKey(callID string) string {
	return "voicebridge:amd:finalized:" + callID
}

// Report records a classification for call_id. First-write-wins: a second
// report for the same call id is ignored.
func (r *Registry) Report(callID string, classification Classification) {
	r.mu.Lock()
	if _, exists := r.records[callID]; exists {
		r.mu.Unlock()
		return
	}
	r.records[callID] = record{classification: classification, arrivedAt: time.Now()}
	r.mu.Unlock()

	metrics.RecordAMDClassification(string(classification))

	if r.redis != nil {
		if err := r.redis.Set(context.Background(), classificationKey(callID), string(classification), gcAge).Err(); err != nil {
			r.log.Debug("failed to mirror amd classification to redis", zap.Error(err))
		}
	}

	if classification.isMachine() {
		timer := time.AfterFunc(r.watchdogTimeout, func() {
			r.mu.Lock()
			_, stillPresent := r.records[callID]
			delete(r.records, callID)
			delete(r.watchdogs, callID)
			r.mu.Unlock()
			if stillPresent && r.finalizer != nil && r.TryFinalizeOnce(callID) {
				r.log.Info("amd watchdog finalizing unbound call", zap.String("call_id", callID))
				r.finalizer(callID)
			}
		})
		r.mu.Lock()
		r.watchdogs[callID] = timer
		r.mu.Unlock()
	}
}

// Consume returns and deletes the classification recorded for call_id, if
// any. Called by a Session on Telco `start`. Falls back to the shared Redis
// copy when this process never saw the Report (it landed on a sibling).
func (r *Registry) Consume(callID string) (string, bool) {
	r.mu.Lock()
	rec, ok := r.records[callID]
	if ok {
		delete(r.records, callID)
		if t, ok := r.watchdogs[callID]; ok {
			t.Stop()
			delete(r.watchdogs, callID)
		}
	}
	r.mu.Unlock()

	if ok {
		return string(rec.classification), true
	}

	if r.redis == nil {
		return "", false
	}
	val, err := r.redis.GetDel(context.Background(), classificationKey(callID)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func classificationKey(callID string) string {
	return "voicebridge:amd:classification:" + callID
}

// GC removes entries older than 10 minutes that were never consumed. Meant
// to be called periodically from a background goroutine.
func (r *Registry) GC() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-gcAge)
	for callID, rec := range r.records {
		if rec.arrivedAt.Before(cutoff) {
			delete(r.records, callID)
			if t, ok := r.watchdogs[callID]; ok {
				t.Stop()
				delete(r.watchdogs, callID)
			}
		}
	}
}

// Size reports the number of pending entries, for /optimization-status.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
