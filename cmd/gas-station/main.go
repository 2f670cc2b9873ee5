// This file is derived from cmd/kcn/main.go (2018/06/04).
// Modified and improved for the gas station.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/iotaledger/gas-station/internal/access"
	"github.com/iotaledger/gas-station/internal/config"
	"github.com/iotaledger/gas-station/internal/coordinator"
	"github.com/iotaledger/gas-station/internal/fullnode"
	"github.com/iotaledger/gas-station/internal/initializer"
	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/metrics"
	"github.com/iotaledger/gas-station/internal/reservation"
	"github.com/iotaledger/gas-station/internal/rpc"
	"github.com/iotaledger/gas-station/internal/signer"
	"github.com/iotaledger/gas-station/internal/storage"
	"github.com/iotaledger/gas-station/internal/sweeper"
	"github.com/iotaledger/gas-station/internal/usagecap"
)

const gitCommit = ""

var logger = log.NewModuleLogger(log.CmdGasStation)

var configFileFlag = cli.StringFlag{
	Name:  "config",
	Usage: "YAML configuration file",
}

var app = newApp()

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "gas-station"
	a.Usage = "Sponsor gas pool coordinator for an IOTA-family ledger"
	a.Version = "0.1.0"
	if len(gitCommit) >= 8 {
		a.Version += "-" + gitCommit[:8]
	}
	return a
}

func init() {
	app.Action = runGasStation
	app.Flags = []cli.Flag{configFileFlag}
	app.Commands = []cli.Command{
		dumpConfigCommand,
		versionCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))
}

var versionCommand = cli.Command{
	Action: func(ctx *cli.Context) error {
		fmt.Println(app.Name, app.Version)
		return nil
	},
	Name:  "version",
	Usage: "Print version number",
}

var dumpConfigCommand = cli.Command{
	Action: dumpConfig,
	Name:   "dumpconfig",
	Usage:  "Show the effective configuration after defaults and overrides",
	Flags:  []cli.Flag{configFileFlag},
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFileFlag.Name))
	if err != nil {
		return err
	}
	enc := yamlEncoder(os.Stdout)
	return enc.Encode(cfg)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runGasStation wires every component together and serves until a
// termination signal arrives, following cmd/kcn/main.go's
// app.Action / signal.Notify / graceful-stop shape.
func runGasStation(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFileFlag.Name))
	if err != nil {
		return err
	}

	sg, err := buildSigner(cfg)
	if err != nil {
		return fmt.Errorf("building signer: %w", err)
	}

	store, err := storage.NewRedisStore(cfg.StorageConfig.Redis.RedisURL, sg.Address())
	if err != nil {
		return fmt.Errorf("connecting to storage: %w", err)
	}
	defer store.Close()

	// A real full-node JSON-RPC client is out of scope (spec.md §1); the
	// fake stands in so the rest of the wiring is exercised end to end.
	// A production deployment supplies its own fullnode.Client.
	fn := fullnode.NewFake()
	logger.Warn("using in-memory fake full-node client; replace with a real implementation before production use")

	reg := prometheusRegistry()
	mc := metrics.New(reg)

	eng := reservation.New(store)
	eng.SetMetrics(mc)

	sw := sweeper.New(store, time.Second)
	sw.SetMetrics(mc)

	ac := access.New(cfg.AccessController, store)
	ac.SetMetrics(mc)

	usage := usagecap.New(store, sg.Address(), cfg.DailyGasUsageCap)

	coord := coordinator.New(eng, ac, fn, sg, usage)
	coord.SetMetrics(mc)

	init4 := initializer.New(store, fn, sg.Address(), cfg.CoinInitConfig.TargetInitBalance,
		time.Duration(cfg.CoinInitConfig.RefreshIntervalSec)*time.Second)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := init4.RunStartup(runCtx); err != nil {
		return fmt.Errorf("startup initialization: %w", err)
	}

	go sw.Run(runCtx)
	go func() {
		if err := init4.RunReplenisher(runCtx); err != nil {
			logger.Error("replenisher stopped", "err", err)
		}
	}()

	srv := rpc.New(cfg.AuthSecret, sg.Address(), eng, coord, store, usage, cfg.DailyGasUsageCap, cfg.TransactionsLog)

	rpcAddr := fmt.Sprintf("%s:%d", cfg.RPCHostIP, cfg.RPCPort)
	rpcHTTP := &http.Server{Addr: rpcAddr, Handler: srv.Handler()}
	go func() {
		logger.Info("rpc server listening", "addr", rpcAddr)
		if err := rpcHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rpc server stopped", "err", err)
		}
	}()

	metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", mc.Handler())
	metricsHTTP := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("metrics server listening", "addr", metricsAddr)
		if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	sw.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = rpcHTTP.Shutdown(shutdownCtx)
	_ = metricsHTTP.Shutdown(shutdownCtx)

	log.Sync()
	return nil
}

func buildSigner(cfg *config.Config) (signer.Signer, error) {
	if cfg.SignerConfig.Local.Keypair != "" {
		return signer.NewLocal(cfg.SignerConfig.Local.Keypair)
	}
	if cfg.SignerConfig.Sidecar.SidecarURL != "" {
		return signer.NewSidecar(context.Background(), cfg.SignerConfig.Sidecar.SidecarURL)
	}
	return nil, fmt.Errorf("signer-config: neither local.keypair nor sidecar.sidecar-url is set")
}
