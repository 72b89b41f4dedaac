// Package main provides the ledger maintenance CLI.
// Usage: ledgerctl migrate
//        ledgerctl open <warehouse-id>
//        ledgerctl verify <warehouse-id> [product]
//        ledgerctl rebuild <warehouse-id> <product>
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	appctx "fuelledger/internal/core/context"
	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/notify"
	"fuelledger/internal/infrastructure/storage/postgres"
	"fuelledger/internal/infrastructure/storage/postgres/ledger_repo"
	"fuelledger/pkg/config"
	"fuelledger/pkg/logger"
)

const cliActor = "ledgerctl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.App.LogLevel, Development: true})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	ctx := logger.WithLogger(context.Background(), log)
	ctx = appctx.WithTrace(ctx, appctx.NewTraceContext())

	switch os.Args[1] {
	case "migrate":
		migrate(cfg)
	case "open":
		openWarehouse(ctx, cfg)
	case "verify":
		verify(ctx, cfg)
	case "rebuild":
		rebuild(ctx, cfg)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Fuel ledger maintenance CLI

Usage:
  ledgerctl <command> [arguments]

Commands:
  migrate                           Apply db/migrations with goose
  open <warehouse-id>               Create zeroed ledgers for every product
  verify <warehouse-id> [product]   Report snapshot drift (all products by default)
  rebuild <warehouse-id> <product>  Replay the full history and repair snapshots
  help                              Show this help

Environment:
  DATABASE_URL   Postgres connection string (required)`)
}

func migrate(cfg *config.Config) {
	cmd := exec.Command("goose", "-dir", "db/migrations", "postgres", cfg.DB.URL, "up")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Printf("Migrations failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Migrations completed")
}

func openWarehouse(ctx context.Context, cfg *config.Config) {
	warehouseID := argID(2, "open <warehouse-id>")
	svc, closeFn := newService(ctx, cfg)
	defer closeFn()

	if err := svc.OpenWarehouse(ctx, ledger.NewMutationContext(cliActor), warehouseID); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Opened ledgers for warehouse %s\n", warehouseID)
}

func verify(ctx context.Context, cfg *config.Config) {
	warehouseID := argID(2, "verify <warehouse-id> [product]")
	products := ledger.Products()
	if len(os.Args) > 3 {
		products = []ledger.ProductType{argProduct(3)}
	}

	svc, closeFn := newService(ctx, cfg)
	defer closeFn()

	drifted := false
	for _, p := range products {
		report, err := svc.Verify(ctx, ledger.Key{WarehouseID: warehouseID, Product: p})
		if err != nil {
			fmt.Printf("%-8s error: %v\n", p, err)
			drifted = true
			continue
		}
		if report.Consistent() {
			fmt.Printf("%-8s ok      entries=%d balance=%s avg=%s\n",
				p, report.Entries, report.Expected.Balance, report.Expected.AverageCost)
			continue
		}
		drifted = true
		fmt.Printf("%-8s DRIFT   entries=%d drifted=%d aggregate=%t stored=%s expected=%s %s\n",
			p, report.Entries, len(report.Drifted), report.AggregateDrift,
			report.Stored.Balance, report.Expected.Balance, report.Failure)
	}
	if drifted {
		os.Exit(2)
	}
}

func rebuild(ctx context.Context, cfg *config.Config) {
	warehouseID := argID(2, "rebuild <warehouse-id> <product>")
	if len(os.Args) < 4 {
		fmt.Println("Usage: ledgerctl rebuild <warehouse-id> <product>")
		os.Exit(1)
	}
	key := ledger.Key{WarehouseID: warehouseID, Product: argProduct(3)}

	svc, closeFn := newService(ctx, cfg)
	defer closeFn()

	result, err := svc.Rebuild(ctx, ledger.NewMutationContext(cliActor), key)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Rebuilt %s: replayed=%d balance=%s avg=%s\n",
		key, result.Replayed, result.State.Balance, result.State.AverageCost)
}

// newService wires the ledger against Postgres. Change events go to the
// outbox only; the worker relays them.
func newService(ctx context.Context, cfg *config.Config) (*ledger.Service, func()) {
	pool, err := postgres.NewPool(ctx, postgres.PoolConfigFrom(cfg.DB))
	if err != nil {
		fmt.Printf("Error connecting to database: %v\n", err)
		os.Exit(1)
	}

	txOpts := postgres.DefaultTxOptions()
	txOpts.LockTimeout = cfg.Ledger.LockTimeout
	// Rebuilds of long histories are allowed to run longer than requests.
	txOpts.StatementTimeout = 0
	txManager := postgres.NewTxManager(pool, txOpts)

	audit, err := postgres.NewAuditService(txManager)
	if err != nil {
		pool.Close()
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	svc := ledger.NewService(ledger.ServiceConfig{
		TxManager:  txManager,
		Entries:    ledger_repo.NewEntryRepo(txManager),
		Aggregates: ledger_repo.NewAggregateRepo(txManager),
		Warehouses: ledger_repo.NewWarehouseRegistry(txManager),
		Journal:    postgres.NewOutboxJournal(txManager),
		Publisher:  notify.Nop{},
		Audit:      audit,
	})
	return svc, pool.Close
}

func argID(pos int, usage string) id.ID {
	if len(os.Args) <= pos {
		fmt.Printf("Usage: ledgerctl %s\n", usage)
		os.Exit(1)
	}
	parsed, err := id.Parse(os.Args[pos])
	if err != nil {
		fmt.Printf("Invalid id %q: %v\n", os.Args[pos], err)
		os.Exit(1)
	}
	return parsed
}

func argProduct(pos int) ledger.ProductType {
	p := ledger.ProductType(os.Args[pos])
	if !p.Valid() {
		fmt.Printf("Unknown product %q (expected one of %v)\n", p, ledger.Products())
		os.Exit(1)
	}
	return p
}
