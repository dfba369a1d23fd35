package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lend-cycle-bot/internal/config"
	"lend-cycle-bot/internal/position"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	writeTimeout = 3 * time.Second
	drainTimeout = 10 * time.Second
)

// TransitionRow is one row of position_transitions. Amounts are decimal
// strings stored as NUMERIC, so 256-bit values survive intact.
type TransitionRow struct {
	Time            time.Time
	Position        string
	Name            string
	Event           string
	FromState       string
	ToState         string
	Failure         string
	Amount          string
	TxHash          string
	ReceiptDelta    string
	DebtDelta       string
	UnderlyingDelta string
}

// RowFromTransition projects the balance deltas of the asset the step moved:
// the collateral for supply and withdraw, the debt asset otherwise.
func RowFromTransition(tr position.Transition) TransitionRow {
	row := TransitionRow{
		Time:      tr.At.UTC(),
		Position:  tr.Key.String(),
		Name:      tr.Name,
		Event:     tr.Event.String(),
		FromState: tr.From.String(),
		ToState:   tr.To.String(),
		Failure:   string(tr.Failure),
	}
	if tr.Outcome.Amount != nil {
		row.Amount = tr.Outcome.Amount.String()
	}
	if tr.Outcome.Receipt.Submitted() {
		row.TxHash = tr.Outcome.Receipt.TxHash.Hex()
	}
	asset := tr.Key.DebtAsset
	if tr.Event == position.EventSupply || tr.Event == position.EventWithdraw {
		asset = tr.Key.CollateralAsset
	}
	if len(tr.Outcome.Deltas) > 0 {
		row.ReceiptDelta = deltaString(tr.Outcome.Deltas, position.Receipt(asset))
		row.DebtDelta = deltaString(tr.Outcome.Deltas, position.Debt(asset))
		row.UnderlyingDelta = deltaString(tr.Outcome.Deltas, position.Underlying(asset))
	}
	return row
}

func deltaString(deltas map[position.TokenRef]*big.Int, ref position.TokenRef) string {
	if d, ok := deltas[ref]; ok && d != nil {
		return d.String()
	}
	return ""
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	transitions chan TransitionRow
	started     atomic.Bool
	dropped     atomic.Uint64
	stop        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	closeErr    error
	insert      func(context.Context, TransitionRow) error
}

// New returns nil when the writer is disabled; a nil Writer accepts and
// discards everything.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		transitions: make(chan TransitionRow, queueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	w.insert = w.insertTransition
	return w
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Close stops the writer, flushes queued rows within drainTimeout and only
// then closes the database.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		if w.started.CompareAndSwap(false, true) {
			w.drain()
		} else {
			close(w.stop)
			select {
			case <-w.done:
			case <-time.After(drainTimeout + writeTimeout):
				w.log.Warn("timescale writer did not stop in time", zap.Int("queued", len(w.transitions)))
			}
		}
		if w.db != nil {
			w.closeErr = w.db.Close()
		}
	})
	return w.closeErr
}

// Dropped reports how many rows were discarded because the queue was full.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) RecordTransition(_ context.Context, tr position.Transition) {
	w.Enqueue(RowFromTransition(tr))
}

func (w *Writer) Enqueue(row TransitionRow) {
	if w == nil {
		return
	}
	select {
	case w.transitions <- row:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("timescale transition queue full")
		}
	}
}

// run writes rows until ctx ends or Close is called. Each write is bounded by
// writeTimeout alone so rows dequeued during shutdown still land.
func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.stop:
			w.drain()
			return
		case row := <-w.transitions:
			w.writeTransition(writeCtx, row)
		}
	}
}

// drain writes whatever is still queued, giving up after drainTimeout.
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case row := <-w.transitions:
			if ctx.Err() != nil {
				w.log.Warn("timescale drain timed out", zap.Int("remaining", len(w.transitions)+1))
				return
			}
			w.writeTransition(ctx, row)
		default:
			return
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position TEXT NOT NULL,
		name TEXT NOT NULL,
		event TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		failure TEXT,
		amount NUMERIC,
		tx_hash TEXT,
		receipt_delta NUMERIC,
		debt_delta NUMERIC,
		underlying_delta NUMERIC
	)`, w.table("position_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_transitions"))); err != nil {
		w.log.Warn("timescale position_transitions hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeTransition(ctx context.Context, row TransitionRow) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.insert(ctx, row); err != nil {
		w.log.Warn("timescale transition insert failed", zap.String("position", row.Position), zap.Error(err))
	}
}

func (w *Writer) insertTransition(ctx context.Context, row TransitionRow) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position, name, event, from_state, to_state, failure, amount, tx_hash,
		receipt_delta, debt_delta, underlying_delta
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("position_transitions"))
	_, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.Position,
		row.Name,
		row.Event,
		row.FromState,
		row.ToState,
		nullable(row.Failure),
		nullable(row.Amount),
		nullable(row.TxHash),
		nullable(row.ReceiptDelta),
		nullable(row.DebtDelta),
		nullable(row.UnderlyingDelta),
	)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
