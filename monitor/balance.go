package monitor

import (
	"context"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/nexapay/x402-facilitator/tron"
)

// DefaultBalancePollPeriod is used when the configured poll period is zero.
const DefaultBalancePollPeriod = 30 * time.Second

// BalanceReader reports the native balance of settlement accounts on one
// chain. Balance blocks and may be slow.
type BalanceReader interface {
	Network() string
	Denomination() string
	Accounts() []string
	Balance(ctx context.Context, account string) (float64, error)
}

// BalanceMonitor periodically reports the native balance of all settlement
// keys to prometheus so operators can alert on drained facilitator accounts.
type BalanceMonitor struct {
	pollPeriod time.Duration
	lggr       *zap.SugaredLogger
	readers    []BalanceReader
	updateFn   func(r BalanceReader, account string, bal float64) // overridable for testing

	stop chan struct{}
	done chan struct{}
}

func NewBalanceMonitor(pollPeriod time.Duration, lggr *zap.SugaredLogger, readers ...BalanceReader) *BalanceMonitor {
	if pollPeriod <= 0 {
		pollPeriod = DefaultBalancePollPeriod
	}
	b := &BalanceMonitor{
		pollPeriod: pollPeriod,
		lggr:       lggr.Named("BalanceMonitor"),
		readers:    readers,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	b.updateFn = b.updateProm
	return b
}

func (b *BalanceMonitor) Start() {
	go b.monitor()
}

func (b *BalanceMonitor) Close() {
	close(b.stop)
	<-b.done
}

func (b *BalanceMonitor) monitor() {
	defer close(b.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-b.stop
		cancel()
	}()

	tick := time.After(withJitter(b.pollPeriod))
	for {
		select {
		case <-b.stop:
			return
		case <-tick:
			b.updateBalances(ctx)
			tick = time.After(withJitter(b.pollPeriod))
		}
	}
}

func (b *BalanceMonitor) updateBalances(ctx context.Context) {
	for _, r := range b.readers {
		for _, account := range r.Accounts() {
			// Check for shutdown signal, since Balance blocks and may be slow.
			select {
			case <-b.stop:
				return
			default:
			}
			bal, err := r.Balance(ctx, account)
			if err != nil {
				b.lggr.Errorw("Failed to get balance", "network", r.Network(), "account", account, "err", err)
				continue
			}
			b.lggr.Debugw("Fetched balance", "network", r.Network(), "account", account, "balance", bal)
			b.updateFn(r, account, bal)
		}
	}
}

// withJitter spreads poll ticks by +/-10% so clustered monitors do not hit
// the node at the same instant.
func withJitter(d time.Duration) time.Duration {
	if d == 0 {
		return 0
	}
	jitter := rand.Int63n(int64(d) / 5)
	return d - d/10 + time.Duration(jitter)
}

type evmBalanceClient interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

type evmBalanceReader struct {
	client   evmBalanceClient
	network  string
	accounts []string
}

// NewEVMBalanceReader reports wei balances as ether for the given accounts.
func NewEVMBalanceReader(client evmBalanceClient, network string, accounts ...common.Address) BalanceReader {
	r := &evmBalanceReader{client: client, network: network}
	for _, a := range accounts {
		r.accounts = append(r.accounts, a.Hex())
	}
	return r
}

func (r *evmBalanceReader) Network() string      { return r.network }
func (r *evmBalanceReader) Denomination() string { return "ETH" }
func (r *evmBalanceReader) Accounts() []string   { return r.accounts }

func (r *evmBalanceReader) Balance(ctx context.Context, account string) (float64, error) {
	wei, err := r.client.NativeBalance(ctx, common.HexToAddress(account))
	if err != nil {
		return 0, err
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f, nil
}

type tronBalanceReader struct {
	client   tron.NodeClient
	network  string
	accounts []string
}

// NewTronBalanceReader reports SUN balances as TRX for the given accounts.
func NewTronBalanceReader(client tron.NodeClient, network string, accounts ...tron.Address) BalanceReader {
	r := &tronBalanceReader{client: client, network: network}
	for _, a := range accounts {
		r.accounts = append(r.accounts, a.String())
	}
	return r
}

func (r *tronBalanceReader) Network() string      { return r.network }
func (r *tronBalanceReader) Denomination() string { return "TRX" }
func (r *tronBalanceReader) Accounts() []string   { return r.accounts }

func (r *tronBalanceReader) Balance(ctx context.Context, account string) (float64, error) {
	addr, err := tron.Base58ToAddress(account)
	if err != nil {
		return 0, err
	}
	acc, err := r.client.GetAccount(ctx, addr)
	if err != nil {
		return 0, err
	}
	return sunToTrx(acc.Balance), nil
}

// sunToTrx converts SUN to TRX. 1 TRX = 1,000,000 SUN.
func sunToTrx(sun int64) float64 {
	return float64(sun) / 1_000_000
}
