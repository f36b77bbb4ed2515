package syncmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/store"
)

const ledgerKey = "ledger/outcomes"

// DefaultLedgerTTL is how long final outcomes are remembered. It must outlive
// the longest time an action can sit in the secondary's queue.
const DefaultLedgerTTL = 7 * 24 * time.Hour

// ErrPayloadConflict is returned when a request id is reused for a different
// command.
var ErrPayloadConflict = errors.New("request id reused with a different payload")

type ledgerRecord struct {
	Operation   string              `json:"operation"`
	PayloadHash string              `json:"payloadHash"`
	Outcome     model.ActionOutcome `json:"outcome"`
	RecordedAt  time.Time           `json:"recordedAt"`
}

// Ledger remembers the final outcome of every request id the primary has
// processed, so a retried request is answered without executing it again.
type Ledger struct {
	kv    store.KV
	clock clockwork.Clock
	ttl   time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	records map[string]ledgerRecord
}

func NewLedger(kv store.KV, clock clockwork.Clock, ttl time.Duration, log *slog.Logger) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{kv: kv, clock: clock, ttl: ttl, log: log, records: map[string]ledgerRecord{}}
}

func (l *Ledger) Load(ctx context.Context) error {
	records := map[string]ledgerRecord{}
	if _, err := store.GetJSON(ctx, l.kv, ledgerKey, &records); err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	if records == nil {
		// a stored null decodes to a nil map
		records = map[string]ledgerRecord{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = records
	l.pruneLocked()
	return nil
}

// Lookup returns the recorded outcome for cmd.RequestID, if any.
func (l *Ledger) Lookup(cmd model.ActionCommand) (model.ActionOutcome, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[cmd.RequestID]
	if !ok || l.expired(rec) {
		return model.ActionOutcome{}, false, nil
	}
	if rec.Operation != string(cmd.Kind) || rec.PayloadHash != payloadHash(cmd) {
		return model.ActionOutcome{}, false, fmt.Errorf("%w: %s", ErrPayloadConflict, cmd.RequestID)
	}
	return rec.Outcome, true, nil
}

// Record stores a final outcome. The attached snapshot is not kept; replays
// carry a fresh one.
func (l *Ledger) Record(ctx context.Context, cmd model.ActionCommand, outcome model.ActionOutcome) error {
	outcome.UpdatedSnapshot = nil
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	l.records[cmd.RequestID] = ledgerRecord{
		Operation:   string(cmd.Kind),
		PayloadHash: payloadHash(cmd),
		Outcome:     outcome,
		RecordedAt:  l.clock.Now(),
	}
	return store.PutJSON(ctx, l.kv, ledgerKey, l.records)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) expired(rec ledgerRecord) bool {
	return !l.clock.Now().Before(rec.RecordedAt.Add(l.ttl))
}

func (l *Ledger) pruneLocked() {
	for id, rec := range l.records {
		if l.expired(rec) {
			delete(l.records, id)
		}
	}
}

func payloadHash(cmd model.ActionCommand) string {
	sum := sha256.Sum256([]byte(string(cmd.Kind) + "\x00" + cmd.ItemID))
	return hex.EncodeToString(sum[:])
}
