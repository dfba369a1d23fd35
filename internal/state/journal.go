package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lend-cycle-bot/internal/position"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// TransitionRecord is the persisted form of a position.Transition. Amounts
// are base-10 strings so the record stays readable outside Go.
type TransitionRecord struct {
	Position  string            `msgpack:"position"`
	Name      string            `msgpack:"name"`
	RunID     string            `msgpack:"run_id"`
	Seq       uint64            `msgpack:"seq"`
	Event     string            `msgpack:"event"`
	From      string            `msgpack:"from"`
	To        string            `msgpack:"to"`
	Failure   string            `msgpack:"failure,omitempty"`
	Err       string            `msgpack:"err,omitempty"`
	Amount    string            `msgpack:"amount,omitempty"`
	TxHash    string            `msgpack:"tx_hash,omitempty"`
	Block     uint64            `msgpack:"block,omitempty"`
	Deltas    map[string]string `msgpack:"deltas,omitempty"`
	Remaining string            `msgpack:"remaining,omitempty"`
	AtMS      int64             `msgpack:"at_ms"`
}

func (r TransitionRecord) At() time.Time { return time.UnixMilli(r.AtMS) }

func NewTransitionRecord(runID string, tr position.Transition) TransitionRecord {
	rec := TransitionRecord{
		Position: tr.Key.String(),
		Name:     tr.Name,
		RunID:    runID,
		Seq:      tr.Seq,
		Event:    tr.Event.String(),
		From:     tr.From.String(),
		To:       tr.To.String(),
		Failure:  string(tr.Failure),
		Err:      tr.Err,
		AtMS:     tr.At.UnixMilli(),
	}
	if tr.Outcome.Amount != nil {
		rec.Amount = tr.Outcome.Amount.String()
	}
	if tr.Outcome.Receipt.Submitted() {
		rec.TxHash = tr.Outcome.Receipt.TxHash.Hex()
		rec.Block = tr.Outcome.Receipt.BlockNumber
	}
	if tr.Outcome.Remaining != nil {
		rec.Remaining = tr.Outcome.Remaining.String()
	}
	if len(tr.Outcome.Deltas) > 0 {
		rec.Deltas = make(map[string]string, len(tr.Outcome.Deltas))
		for ref, d := range tr.Outcome.Deltas {
			rec.Deltas[ref.String()] = d.String()
		}
	}
	return rec
}

func JournalPrefix(positionKey string) string {
	return "journal:" + positionKey + ":"
}

func journalKey(rec TransitionRecord) string {
	return fmt.Sprintf("%s%s:%08d", JournalPrefix(rec.Position), rec.RunID, rec.Seq)
}

func LastStateKey(positionKey string) string {
	return "position:" + positionKey + ":last"
}

func AppendTransition(ctx context.Context, store Store, rec TransitionRecord) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := store.Set(ctx, journalKey(rec), payload); err != nil {
		return err
	}
	return store.Set(ctx, LastStateKey(rec.Position), payload)
}

// LoadTransitions decodes every record under prefix in the order they were
// recorded.
func LoadTransitions(ctx context.Context, store Store, prefix string) ([]TransitionRecord, error) {
	if store == nil {
		return nil, nil
	}
	entries, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]TransitionRecord, 0, len(entries))
	for _, entry := range entries {
		var rec TransitionRecord
		if err := msgpack.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AtMS != out[j].AtMS {
			return out[i].AtMS < out[j].AtMS
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// LoadLastTransition returns the most recent record for a position, if any.
func LoadLastTransition(ctx context.Context, store Store, positionKey string) (TransitionRecord, bool, error) {
	if store == nil {
		return TransitionRecord{}, false, nil
	}
	raw, ok, err := store.Get(ctx, LastStateKey(positionKey))
	if err != nil || !ok || len(raw) == 0 {
		return TransitionRecord{}, false, err
	}
	var rec TransitionRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return TransitionRecord{}, false, err
	}
	return rec, true, nil
}

// Journal records transitions of one run. It implements position.Recorder.
type Journal struct {
	store Store
	runID string
	log   *zap.Logger

	mu sync.Mutex
}

func NewJournal(store Store, runID string, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{store: store, runID: strings.TrimSpace(runID), log: log}
}

func (j *Journal) RunID() string { return j.runID }

func (j *Journal) RecordTransition(ctx context.Context, tr position.Transition) {
	rec := NewTransitionRecord(j.runID, tr)
	j.mu.Lock()
	err := AppendTransition(ctx, j.store, rec)
	j.mu.Unlock()
	if err != nil {
		j.log.Warn("journal append failed", zap.String("position", rec.Position), zap.Uint64("seq", rec.Seq), zap.Error(err))
	}
}
