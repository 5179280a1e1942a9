package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"onloan/config"
	"onloan/core/state"
	"onloan/gateway"
	"onloan/native/collateral"
	nativecommon "onloan/native/common"
	"onloan/native/credit"
	"onloan/native/loan"
	"onloan/native/pool"
	"onloan/native/pricefeed"
	"onloan/observability/logging"
	"onloan/storage"
)

// Well-known ledger accounts. The pool and vault accounts custody user
// funds; the sink and fee accounts accumulate protocol revenue.
var (
	poolAccount         = common.HexToAddress("0x0000000000000000000000000000000000000101")
	vaultAccount        = common.HexToAddress("0x0000000000000000000000000000000000000102")
	protocolSinkAccount = common.HexToAddress("0x0000000000000000000000000000000000000103")
	feeCollectorAccount = common.HexToAddress("0x0000000000000000000000000000000000000104")
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the node configuration file")
	gatewayFile := flag.String("gateway-config", "./gateway.yaml", "Path to the gateway configuration file")
	memoryFlag := flag.Bool("memory", false, "DEV ONLY: run against an in-memory store instead of LevelDB")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ONLOAN_ENV"))
	logger := logging.Setup("onloand", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	gwCfg, err := gateway.LoadServiceConfig(*gatewayFile)
	if err != nil {
		logger.Error("load gateway config", slog.Any("error", err))
		os.Exit(1)
	}

	var db storage.Database
	if *memoryFlag {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
		if err != nil {
			logger.Error("open database", slog.Any("error", err))
			os.Exit(1)
		}
		db = ldb
	}

	manager, err := state.NewManager(db)
	if err != nil {
		logger.Error("init state manager", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("close database", slog.Any("error", err))
		}
	}()

	operator := nativecommon.MintCapability()
	admin := nativecommon.MintCapability()
	pauses := nativecommon.NewPauses(cfg.Paused...)

	feed := buildPriceFeed(cfg, logger)

	poolEngine := pool.NewEngine(operator, poolAccount)
	poolEngine.SetState(manager)
	poolEngine.SetPauses(pauses)

	vaultEngine := collateral.NewEngine(operator, vaultAccount, protocolSinkAccount)
	vaultEngine.SetState(manager)
	vaultEngine.SetPriceSource(feed)
	vaultEngine.SetPair(cfg.PriceFeed.Pair)
	vaultEngine.SetMaxQuoteAge(time.Duration(cfg.PriceFeed.MaxQuoteAgeSeconds) * time.Second)
	vaultEngine.SetLiquidatorRewardPercent(cfg.Loan.LiquidationRewardPercent)
	vaultEngine.SetPauses(pauses)

	creditEngine := credit.NewEngine(operator)
	creditEngine.SetState(manager)
	creditEngine.SetPauses(pauses)

	loanEngine := loan.NewEngine(operator, admin, feeCollectorAccount)
	loanEngine.SetState(manager)
	loanEngine.SetCollaborators(poolEngine, vaultEngine, creditEngine)
	loanEngine.SetMinLoanAmount(new(big.Int).Mul(big.NewInt(cfg.Loan.MinAmountUnits), big.NewInt(1_000_000)))
	loanEngine.SetGracePeriod(cfg.Loan.GraceDays * 24 * 60 * 60)
	loanEngine.SetProtocolFeePercent(cfg.Loan.ProtocolFeePercent)
	loanEngine.SetPauses(pauses)

	auth := gateway.NewAuthenticator(
		gwCfg.AuthClients(),
		time.Duration(gwCfg.TimestampSkewSeconds)*time.Second,
		time.Duration(gwCfg.NonceWindowSeconds)*time.Second,
		nil,
	)
	server := gateway.NewServer(auth, poolEngine, loanEngine, vaultEngine, creditEngine, gwCfg.RateLimitPerMinute, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("gateway listening", slog.String("addr", gwCfg.ListenAddress))
	if err := server.Serve(ctx, gwCfg.ListenAddress); err != nil && err != http.ErrServerClosed {
		logger.Error("gateway stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// buildPriceFeed assembles the aggregator over the configured HTTP sources.
// A manual source is always registered last so operators can force a quote
// when every upstream is down.
func buildPriceFeed(cfg *config.Config, logger *slog.Logger) pricefeed.Source {
	maxAge := time.Duration(cfg.PriceFeed.MaxQuoteAgeSeconds) * time.Second
	aggregator := pricefeed.NewAggregator(nil, maxAge)
	for i, endpoint := range cfg.PriceFeed.Endpoints {
		name := fmt.Sprintf("http-%d", i)
		aggregator.Register(name, pricefeed.NewHTTPSource(nil, endpoint, cfg.PriceFeed.APIKey, name))
		logger.Info("price source registered", slog.String("name", name), slog.String("endpoint", endpoint))
	}
	aggregator.Register("manual", pricefeed.NewManualSource())
	return aggregator
}
