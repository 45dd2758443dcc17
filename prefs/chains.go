package prefs

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// USDC is the USDC contract per supported chain.
var USDC = map[int64]common.Address{
	1:     common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	10:    common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"),
	137:   common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
	8453:  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	42161: common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
}

var chainNames = map[int64]string{
	1:     "Ethereum",
	10:    "Optimism",
	137:   "Polygon",
	8453:  "Base",
	42161: "Arbitrum",
}

// ChainName returns a display name for a chain id.
func ChainName(id int64) string {
	if name, ok := chainNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Chain %d", id)
}

// SupportedChains lists the chain ids payments can be funded from.
func SupportedChains() []int64 {
	return []int64{1, 10, 137, 8453, 42161}
}
