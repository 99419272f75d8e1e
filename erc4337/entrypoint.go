package erc4337

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EntryPointVersion selects which deployed EntryPoint a pipeline targets.
type EntryPointVersion string

const (
	EntryPointV06 EntryPointVersion = "0.6"
	EntryPointV07 EntryPointVersion = "0.7"
)

// Canonical deployment addresses, identical on every EVM chain.
var (
	entryPointAddresses = map[EntryPointVersion]common.Address{
		EntryPointV06: common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		EntryPointV07: common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"),
	}

	safeProxyFactory    = common.HexToAddress("0x4e1DCf7AD4e460CfD30791CCC4F9c8a4f820ec67")
	safeSingletonL2     = common.HexToAddress("0x29fcB43b46531BcA003ddC8FCB67FFE91900C762")
	safe4337Module      = common.HexToAddress("0xa581c4A4DB7175302464fF3C06380BC3270b4037")
	multiSendCallOnly   = common.HexToAddress("0x9641d764fc13c8B624c04430C7356C1C7C8102e2")
	multiSendAggregator = common.HexToAddress("0x38869bf66a61cF6bDB996A6aE40D5853Fd43B526")
)

// Default gas limits applied when the bundler estimate is unavailable.
var (
	defaultCallGasLimit         = big.NewInt(200_000)
	defaultVerificationGasLimit = big.NewInt(500_000)
	defaultPreVerificationGas   = big.NewInt(60_000)
)

// EntryPointAddress returns the deployment address of the given version.
func EntryPointAddress(version EntryPointVersion) (common.Address, bool) {
	addr, ok := entryPointAddresses[version]
	return addr, ok
}

// SafeProxyFactory returns the canonical Safe proxy factory address.
func SafeProxyFactory() common.Address { return safeProxyFactory }

// SafeSingleton returns the canonical Safe L2 singleton address.
func SafeSingleton() common.Address { return safeSingletonL2 }

// Safe4337Module returns the canonical Safe ERC-4337 module address.
func Safe4337Module() common.Address { return safe4337Module }

// MultiSend returns the canonical MultiSend aggregator address. callOnly
// selects the variant that forbids nested delegatecalls.
func MultiSend(callOnly bool) common.Address {
	if callOnly {
		return multiSendCallOnly
	}
	return multiSendAggregator
}
