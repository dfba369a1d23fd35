package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"lend-cycle-bot/internal/chain"
	"lend-cycle-bot/internal/config"
	"lend-cycle-bot/internal/exec"
	"lend-cycle-bot/internal/logging"
	"lend-cycle-bot/internal/position"
	"lend-cycle-bot/internal/state"
	"lend-cycle-bot/internal/state/sqlite"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional .env file")
	only := flag.String("position", "", "inspect a single configured position")
	ownerFlag := flag.String("owner", "", "owner address, overrides the position's key")
	journal := flag.Bool("journal", false, "print the recorded transitions of each position")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Chain.Timeout*4)
	defer cancel()

	gw, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, chain.Addresses{
		LendingPool:   common.HexToAddress(cfg.Market.LendingPool),
		NativeGateway: common.HexToAddress(cfg.Market.NativeGateway),
		DataProvider:  common.HexToAddress(cfg.Market.DataProvider),
		PriceOracle:   common.HexToAddress(cfg.Market.PriceOracle),
	}, cfg.Market.InterestRateMode, log)
	if err != nil {
		fatal(err)
	}
	defer gw.Close()

	var store state.Store
	if *journal {
		s, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			fatal(err)
		}
		defer s.Close()
		store = s
	}

	matched := false
	for _, pos := range cfg.Positions {
		if *only != "" && pos.Name != *only {
			continue
		}
		matched = true
		owner, err := resolveOwner(gw, pos, *ownerFlag)
		if err != nil {
			log.Error("owner unavailable", zap.String("position", pos.Name), zap.Error(err))
			continue
		}
		if err := inspect(ctx, gw, cfg.Retry, pos, owner); err != nil {
			log.Error("inspect failed", zap.String("position", pos.Name), zap.Error(err))
		}
		if store != nil {
			if err := printJournal(ctx, store, pos, owner); err != nil {
				log.Error("journal read failed", zap.String("position", pos.Name), zap.Error(err))
			}
		}
	}
	if !matched {
		fatal(fmt.Errorf("no configured position named %q", *only))
	}
}

func resolveOwner(gw *chain.Gateway, pos config.PositionConfig, override string) (common.Address, error) {
	if override != "" {
		if !common.IsHexAddress(override) {
			return common.Address{}, fmt.Errorf("invalid owner %q", override)
		}
		return common.HexToAddress(override), nil
	}
	key := strings.TrimSpace(os.Getenv(pos.PrivateKeyEnv))
	if key == "" {
		return common.Address{}, errors.New(pos.PrivateKeyEnv + " is not set; pass -owner")
	}
	return gw.AddSigner(key)
}

func inspect(ctx context.Context, gw *chain.Gateway, retry config.RetryConfig, pos config.PositionConfig, owner common.Address) error {
	collateral := common.HexToAddress(pos.CollateralAsset)
	debt := common.HexToAddress(pos.DebtAsset)
	quoted := exec.NewRetrying(gw.Quoted(debt), retry, nil)

	base, err := gw.AccountData(ctx, owner)
	if err != nil {
		return err
	}
	inDebt, err := quoted.AccountData(ctx, owner)
	if err != nil {
		return err
	}
	fmt.Printf("position %s owner=%s\n", pos.Name, owner.Hex())
	fmt.Printf("  account (base):  collateral=%s debt=%s available=%s\n", base.TotalCollateralValue, base.TotalDebtValue, base.AvailableBorrowCapacity)
	fmt.Printf("  account (debt asset units): collateral=%s debt=%s available=%s\n", inDebt.TotalCollateralValue, inDebt.TotalDebtValue, inDebt.AvailableBorrowCapacity)
	if pos.MarginBps > 0 {
		borrow, err := position.ComputeBorrowAmount(inDebt, pos.MarginBps)
		if err == nil {
			fmt.Printf("  borrow at %d bps: %s\n", pos.MarginBps, borrow)
		}
	}

	snap, err := position.Capture(ctx, quoted, owner, collateral, debt)
	if err != nil {
		return err
	}
	for _, ref := range snap.Refs() {
		bal, _ := snap.Balance(ref)
		fmt.Printf("  %-58s %s\n", ref, bal)
	}
	return nil
}

func printJournal(ctx context.Context, store state.Store, pos config.PositionConfig, owner common.Address) error {
	key := position.Key{
		Owner:           owner,
		CollateralAsset: common.HexToAddress(pos.CollateralAsset),
		DebtAsset:       common.HexToAddress(pos.DebtAsset),
	}
	records, err := state.LoadTransitions(ctx, store, state.JournalPrefix(key.String()))
	if err != nil {
		return err
	}
	fmt.Printf("  journal: %d transitions\n", len(records))
	for _, rec := range records {
		line := fmt.Sprintf("    %s run=%s #%d %s %s -> %s", rec.At().UTC().Format("2006-01-02T15:04:05Z"), rec.RunID, rec.Seq, rec.Event, rec.From, rec.To)
		if rec.Amount != "" {
			line += " amount=" + rec.Amount
		}
		if rec.TxHash != "" {
			line += " tx=" + rec.TxHash
		}
		if rec.Failure != "" {
			line += " failure=" + rec.Failure + " (" + rec.Err + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
