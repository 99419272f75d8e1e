// Command x402-facilitator runs the facilitator server: it verifies and
// settles x402 payments on the configured EVM and TRON networks.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nexapay/x402-facilitator/config"
	"github.com/nexapay/x402-facilitator/erc4337"
	"github.com/nexapay/x402-facilitator/evm"
	facilitatorhttp "github.com/nexapay/x402-facilitator/facilitator"
	"github.com/nexapay/x402-facilitator/keystore"
	"github.com/nexapay/x402-facilitator/monitor"
	"github.com/nexapay/x402-facilitator/scheme"
	"github.com/nexapay/x402-facilitator/tron"
	"github.com/nexapay/x402-facilitator/types"
)

func main() {
	configPath := flag.String("config", "x402.toml", "path to TOML config")
	flag.Parse()

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()
	lggr := zl.Sugar().Named("X402Facilitator")

	if err := run(*configPath, lggr); err != nil {
		lggr.Fatalw("Facilitator exited", "err", err)
	}
}

func run(configPath string, lggr *zap.SugaredLogger) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	key, err := loadKey(cfg.Server.KeyFile, lggr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := scheme.NewRegistry()
	var readers []monitor.BalanceReader

	for _, chainCfg := range cfg.EVM {
		client, err := evm.NewRPCClient(ctx, chainCfg.RPCURL, key)
		if err != nil {
			return err
		}
		defer client.Close()

		var opts []evm.Option
		if aa := chainCfg.AccountAbstraction; aa != nil {
			settler, err := buildGaslessSettler(aa, key, client, lggr)
			if err != nil {
				return err
			}
			opts = append(opts, evm.WithGaslessSettler(settler))
		}
		registry.Register(types.SchemeExact, chainCfg.Network, evm.NewExactScheme(client, lggr, opts...))
		readers = append(readers, monitor.NewEVMBalanceReader(client, types.NormalizeNetwork(chainCfg.Network), key.Address()))
		lggr.Infow("Registered EVM network", "network", chainCfg.Network, "gasless", chainCfg.AccountAbstraction != nil)
	}

	for _, chainCfg := range cfg.Tron {
		client := tron.NewClient(chainCfg.NodeURL, nil)
		registry.Register(types.SchemeExact, chainCfg.Network, tron.NewExactScheme(client, lggr))
		readers = append(readers, monitor.NewTronBalanceReader(client, types.NormalizeNetwork(chainCfg.Network), tron.EVMAddressToAddress(key.Address())))
		lggr.Infow("Registered TRON network", "network", chainCfg.Network)
	}

	balances := monitor.NewBalanceMonitor(cfg.Server.BalancePollPeriod.Duration(), lggr, readers...)
	balances.Start()
	defer balances.Close()

	server := facilitatorhttp.NewServer(cfg.Server.Address, registry, lggr)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		lggr.Infow("Shutting down", "signal", sig.String())
		return server.Stop()
	case err := <-errCh:
		return err
	}
}

func loadKey(path string, lggr *zap.SugaredLogger) (*keystore.Key, error) {
	if path != "" {
		key, err := keystore.FromFile(path)
		if err != nil {
			return nil, err
		}
		lggr.Infow("Loaded settlement key", "address", key.Address().Hex())
		return key, nil
	}
	// No key file configured: generate an ephemeral key. Settlement will fail
	// until the address is funded, but verification works.
	key, err := keystore.NewKey()
	if err != nil {
		return nil, err
	}
	lggr.Warnw("No key file configured, generated ephemeral settlement key", "address", key.Address().Hex())
	return key, nil
}

func buildGaslessSettler(aa *config.AccountAbstractionConfig, key *keystore.Key, client *evm.RPCClient, lggr *zap.SugaredLogger) (*erc4337.Settler, error) {
	bundler := erc4337.NewBundler(aa.BundlerURL)
	account := erc4337.NewSmartAccount(key)

	var opts []erc4337.SettlerOption
	if aa.PaymasterURL != "" {
		if aa.PaymasterMode != "" {
			opts = append(opts, erc4337.WithPaymaster(erc4337.NewModePaymaster(aa.PaymasterURL, aa.PaymasterMode, nil)))
		} else {
			opts = append(opts, erc4337.WithPaymaster(erc4337.NewSponsoringPaymaster(aa.PaymasterURL, nil)))
		}
	}
	if aa.EntryPointVersion != "" {
		opts = append(opts, erc4337.WithEntryPointVersion(erc4337.EntryPointVersion(aa.EntryPointVersion)))
	}
	return erc4337.NewSettler(account, bundler, client, lggr, opts...)
}
