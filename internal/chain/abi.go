package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const lendingPoolABI = `[
  {"type":"function","name":"getUserAccountData","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"totalCollateralETH","type":"uint256"},
     {"name":"totalDebtETH","type":"uint256"},
     {"name":"availableBorrowsETH","type":"uint256"},
     {"name":"currentLiquidationThreshold","type":"uint256"},
     {"name":"ltv","type":"uint256"},
     {"name":"healthFactor","type":"uint256"}]},
  {"type":"function","name":"borrow","stateMutability":"nonpayable",
   "inputs":[
     {"name":"asset","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"interestRateMode","type":"uint256"},
     {"name":"referralCode","type":"uint16"},
     {"name":"onBehalfOf","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"repay","stateMutability":"nonpayable",
   "inputs":[
     {"name":"asset","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"rateMode","type":"uint256"},
     {"name":"onBehalfOf","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[
     {"name":"asset","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"to","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const nativeGatewayABI = `[
  {"type":"function","name":"depositETH","stateMutability":"payable",
   "inputs":[
     {"name":"lendingPool","type":"address"},
     {"name":"onBehalfOf","type":"address"},
     {"name":"referralCode","type":"uint16"}],
   "outputs":[]}
]`

const dataProviderABI = `[
  {"type":"function","name":"getReserveTokensAddresses","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[
     {"name":"aTokenAddress","type":"address"},
     {"name":"stableDebtTokenAddress","type":"address"},
     {"name":"variableDebtTokenAddress","type":"address"}]}
]`

const priceOracleABI = `[
  {"type":"function","name":"getAssetPrice","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

type contractABIs struct {
	pool     abi.ABI
	native   abi.ABI
	provider abi.ABI
	oracle   abi.ABI
	erc20    abi.ABI
}

func parseABIs() (contractABIs, error) {
	var out contractABIs
	for _, item := range []struct {
		dst *abi.ABI
		src string
	}{
		{&out.pool, lendingPoolABI},
		{&out.native, nativeGatewayABI},
		{&out.provider, dataProviderABI},
		{&out.oracle, priceOracleABI},
		{&out.erc20, erc20ABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(item.src))
		if err != nil {
			return contractABIs{}, err
		}
		*item.dst = parsed
	}
	return out, nil
}
