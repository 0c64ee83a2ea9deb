package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs, limited to the calls the engine makes.
const (
	vaultABIJSON = `[
	{"name":"deposit","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"name":"flashDeposit","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"amount","type":"uint256"},{"name":"duration","type":"uint256"}],"outputs":[]},
	{"name":"getDepositInfo","type":"function","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],
	 "outputs":[{"name":"currentValue","type":"uint256"},{"name":"principal","type":"uint256"},
	            {"name":"unlockedYield","type":"uint256"},{"name":"lockedYield","type":"uint256"}]}
]`

	marketABIJSON = `[
	{"name":"predict","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"choice","type":"uint8"},{"name":"yieldAmount","type":"uint256"}],"outputs":[]},
	{"name":"claimReward","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"name":"getMarketInfo","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"_question","type":"string"},{"name":"_status","type":"uint8"},
	            {"name":"_outcome","type":"uint8"},{"name":"_totalYes","type":"uint256"},
	            {"name":"_totalNo","type":"uint256"},{"name":"_closesAt","type":"uint256"}]},
	{"name":"predictions","type":"function","stateMutability":"view",
	 "inputs":[{"name":"","type":"address"}],
	 "outputs":[{"name":"yieldStaked","type":"uint256"},{"name":"choice","type":"uint8"},{"name":"claimed","type":"bool"}]},
	{"name":"calculatePotentialWinnings","type":"function","stateMutability":"view",
	 "inputs":[{"name":"choice","type":"uint8"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

	factoryABIJSON = `[
	{"name":"getAllMarkets","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address[]"}]}
]`
)

var (
	vaultABI   = mustParse(vaultABIJSON)
	marketABI  = mustParse(marketABIJSON)
	factoryABI = mustParse(factoryABIJSON)
)

func mustParse(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("evm: invalid contract abi: " + err.Error())
	}
	return parsed
}
