package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"lend-cycle-bot/internal/alerts"
	"lend-cycle-bot/internal/chain"
	"lend-cycle-bot/internal/config"
	"lend-cycle-bot/internal/exec"
	"lend-cycle-bot/internal/lock"
	"lend-cycle-bot/internal/market"
	"lend-cycle-bot/internal/metrics"
	"lend-cycle-bot/internal/position"
	"lend-cycle-bot/internal/state"
	"lend-cycle-bot/internal/state/sqlite"
	"lend-cycle-bot/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GatewayFor returns the gateway a position talks to, quoted in its debt
// asset so borrow capacity reads as a debt amount.
type GatewayFor func(debtAsset common.Address) market.Gateway

type runner struct {
	cfg      config.PositionConfig
	orch     *position.Orchestrator
	supply   *big.Int
	withdraw *big.Int
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	runID     string
	store     state.Store
	locker    lock.Locker
	prom      *metrics.Prometheus
	timescale *timescale.Writer
	runners   []*runner
	closers   []func()
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.Timeout)
	defer cancel()
	gateway, err := chain.Dial(dialCtx, cfg.Chain.RPCURL, cfg.Chain.ChainID, chain.Addresses{
		LendingPool:   common.HexToAddress(cfg.Market.LendingPool),
		NativeGateway: common.HexToAddress(cfg.Market.NativeGateway),
		DataProvider:  common.HexToAddress(cfg.Market.DataProvider),
		PriceOracle:   common.HexToAddress(cfg.Market.PriceOracle),
	}, cfg.Market.InterestRateMode, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("dial chain: %w", err)
	}
	owners := make(map[string]common.Address, len(cfg.Positions))
	for _, pos := range cfg.Positions {
		key := strings.TrimSpace(os.Getenv(pos.PrivateKeyEnv))
		if key == "" {
			gateway.Close()
			_ = store.Close()
			return nil, fmt.Errorf("position %s: %s is required", pos.Name, pos.PrivateKeyEnv)
		}
		owner, err := gateway.AddSigner(key)
		if err != nil {
			gateway.Close()
			_ = store.Close()
			return nil, fmt.Errorf("position %s: load signer: %w", pos.Name, err)
		}
		owners[pos.Name] = owner
	}
	locker, err := lock.Open(ctx, cfg.Redis)
	if err != nil {
		gateway.Close()
		_ = store.Close()
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		writer = nil
	}
	gatewayFor := func(debtAsset common.Address) market.Gateway {
		return exec.NewRetrying(gateway.Quoted(debtAsset), cfg.Retry, log)
	}
	var sender alerts.Sender
	if cfg.Telegram.Enabled {
		sender = alerts.NewTelegram(cfg.Telegram, log)
	}
	a, err := assemble(cfg, log, gatewayFor, owners, store, locker, writer, sender)
	if err != nil {
		gateway.Close()
		_ = locker.Close()
		_ = writer.Close()
		_ = store.Close()
		return nil, err
	}
	a.closers = append(a.closers, gateway.Close)
	return a, nil
}

// assemble builds one orchestrator per configured position on top of the
// given dependencies.
func assemble(cfg *config.Config, log *zap.Logger, gatewayFor GatewayFor, owners map[string]common.Address, store state.Store, locker lock.Locker, writer *timescale.Writer, sender alerts.Sender) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	runID := uuid.New().String()
	a := &App{
		cfg:       cfg,
		log:       log.With(zap.String("run_id", runID)),
		runID:     runID,
		store:     store,
		locker:    locker,
		prom:      metrics.NewPrometheus(),
		timescale: writer,
	}
	recorders := position.Recorders{state.NewJournal(store, runID, a.log)}
	if sender != nil {
		recorders = append(recorders, alerts.NewNotifier(sender, a.log))
	}
	if writer != nil {
		recorders = append(recorders, writer)
	}
	for _, pos := range cfg.Positions {
		owner, ok := owners[pos.Name]
		if !ok {
			return nil, fmt.Errorf("position %s: no owner", pos.Name)
		}
		r, err := newRunner(pos, owner, gatewayFor, recorders, a.prom.Metrics, cfg.Chain.ConfirmTimeout, a.log)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", pos.Name, err)
		}
		a.runners = append(a.runners, r)
	}
	return a, nil
}

func newRunner(pos config.PositionConfig, owner common.Address, gatewayFor GatewayFor, rec position.Recorder, m *metrics.Metrics, timeout time.Duration, log *zap.Logger) (*runner, error) {
	supply, err := config.ParseAmount(pos.SupplyAmount)
	if err != nil {
		return nil, err
	}
	withdraw, err := config.ParseAmount(pos.WithdrawAmount)
	if err != nil {
		return nil, err
	}
	dust, err := config.OptionalAmount(pos.RepayDust)
	if err != nil {
		return nil, err
	}
	slack, err := config.OptionalAmount(pos.AccrualSlack)
	if err != nil {
		return nil, err
	}
	key := position.Key{
		Owner:           owner,
		CollateralAsset: common.HexToAddress(pos.CollateralAsset),
		DebtAsset:       common.HexToAddress(pos.DebtAsset),
	}
	orch := position.New(gatewayFor(key.DebtAsset), key, position.Options{
		Name:          pos.Name,
		ActionTimeout: timeout,
		RepayDust:     dust,
		AccrualSlack:  slack,
		Recorder:      rec,
		Metrics:       m,
		Log:           log,
	})
	return &runner{cfg: pos, orch: orch, supply: supply, withdraw: withdraw}, nil
}

func (a *App) RunID() string { return a.runID }

// Run drives every configured position through one lifecycle concurrently.
// A failed lifecycle does not stop the others; all failures are returned
// together once every position has finished.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.timescale.Start(ctx)
	stopStatus := a.startStatusServer()
	defer stopStatus()

	a.log.Info("run started", zap.Int("positions", len(a.runners)))
	var (
		mu       sync.Mutex
		failures []error
	)
	// No derived context: one position's error never cancels another.
	var g errgroup.Group
	for _, r := range a.runners {
		r := r
		g.Go(func() error {
			release, err := a.locker.Acquire(ctx, r.orch.Key().String())
			if err != nil {
				if errors.Is(err, lock.ErrHeld) {
					a.log.Warn("position locked by another process, skipping", zap.String("position", r.cfg.Name))
				} else {
					a.log.Error("position lock failed", zap.String("position", r.cfg.Name), zap.Error(err))
				}
				mu.Lock()
				failures = append(failures, fmt.Errorf("position %s: lock: %w", r.cfg.Name, err))
				mu.Unlock()
				return nil
			}
			defer release()
			if err := a.runLifecycle(ctx, r); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("position %s: %w", r.cfg.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	a.log.Info("run completed")
	return nil
}

func (a *App) runLifecycle(ctx context.Context, r *runner) error {
	started := time.Now()
	outcomes, err := r.orch.RunLifecycle(ctx, r.supply, r.cfg.MarginBps, r.withdraw)
	fields := []zap.Field{
		zap.String("position", r.cfg.Name),
		zap.Int("steps", len(outcomes)),
		zap.Duration("elapsed", time.Since(started)),
	}
	if err != nil {
		pos := r.orch.Position()
		a.log.Error("lifecycle failed", append(fields, zap.Stringer("state", pos.State), zap.Error(err))...)
		return err
	}
	a.log.Info("lifecycle completed", fields...)
	return nil
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			a.log.Warn("lock close failed", zap.Error(err))
		}
	}
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) startStatusServer() func() {
	if !a.cfg.Metrics.EnabledValue() {
		return func() {}
	}
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           a.statusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("status server stopped", zap.Error(err))
		}
	}()
	a.log.Info("status server listening", zap.String("addr", a.cfg.Metrics.Address))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
