// Package evm implements the ledger boundary against the on-chain YieldVault,
// PredictionMarket and MarketFactory contracts.
//
// Reads are eth_calls against the latest block. Writes are EIP-1559
// transactions signed by the engine's key, so the engine can only act for
// the account that key controls. A write returns once its receipt reports
// success; a reverted transaction is an error, and the contract is the
// serialization point that rejects an over-stake.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/ledger"
	"github.com/yieldedge/yield-engine/internal/model"
	"github.com/yieldedge/yield-engine/internal/parimutuel"
)

var (
	// ErrReverted is returned when a transaction was mined but failed.
	ErrReverted = errors.New("evm: transaction reverted")

	// ErrSignerMismatch is returned when a write is requested for an account
	// the engine's key does not control.
	ErrSignerMismatch = errors.New("evm: user is not the signing account")

	// ErrUnknownAsset is returned for an asset with no configured contracts.
	ErrUnknownAsset = errors.New("evm: no contracts configured for asset")
)

const secondsPerDay = 24 * 60 * 60

// Backend is the subset of ethclient.Client the ledger uses.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Contracts are the deployed addresses of one asset's vault and market
// factory.
type Contracts struct {
	Vault   common.Address
	Factory common.Address
}

// Ledger implements ledger.Ledger on chain.
type Ledger struct {
	backend      Backend
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	assets       map[string]Contracts
	pollInterval time.Duration

	// Serializes nonce selection for the signing account.
	txMu sync.Mutex

	// marketAsset memoizes which factory listed a market. Membership never
	// changes once a market is deployed.
	marketAsset sync.Map
}

var (
	_ ledger.Ledger = (*Ledger)(nil)
	_ ledger.Vault  = (*Ledger)(nil)
)

// New creates an on-chain ledger. key signs every write.
func New(backend Backend, chainID *big.Int, key *ecdsa.PrivateKey, assets map[string]Contracts) *Ledger {
	return &Ledger{
		backend:      backend,
		chainID:      chainID,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		assets:       assets,
		pollInterval: time.Second,
	}
}

// Dial connects to an RPC endpoint and builds a ledger from a hex private key.
func Dial(ctx context.Context, rpcURL, keyHex string, assets map[string]Contracts) (*Ledger, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: parse private key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	// Chain id is part of every signature (replay protection).
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: chain id: %w", err)
	}
	return New(client, chainID, key, assets), nil
}

// WithPollInterval sets how often receipts are polled.
func (l *Ledger) WithPollInterval(d time.Duration) *Ledger {
	l.pollInterval = d
	return l
}

// From returns the signing account.
func (l *Ledger) From() common.Address { return l.from }

// --- Reader ---

func (l *Ledger) ReadDeposit(ctx context.Context, user, asset string) (model.RawDeposit, error) {
	info, err := l.depositInfo(ctx, user, asset)
	if err != nil {
		return model.RawDeposit{}, err
	}
	return model.RawDeposit{
		User:         user,
		Asset:        asset,
		Principal:    info.principal,
		CurrentValue: info.currentValue,
	}, nil
}

// ReadFlashLocks reports the vault's locked yield as one reservation with no
// expiry. The vault releases it itself when the lock matures.
func (l *Ledger) ReadFlashLocks(ctx context.Context, user, asset string) ([]model.FlashLock, error) {
	info, err := l.depositInfo(ctx, user, asset)
	if err != nil {
		return nil, err
	}
	if !info.lockedYield.IsPositive() {
		return nil, nil
	}
	return []model.FlashLock{{
		ID:            "vault:" + strings.ToLower(l.assets[asset].Vault.Hex()),
		User:          user,
		Asset:         asset,
		ReservedYield: info.lockedYield,
	}}, nil
}

func (l *Ledger) ReadMarket(ctx context.Context, marketID string) (model.Market, error) {
	addr, err := marketAddress(marketID)
	if err != nil {
		return model.Market{}, err
	}
	asset, err := l.assetOf(ctx, addr)
	if err != nil {
		return model.Market{}, err
	}
	return l.marketInfo(ctx, addr, asset)
}

func (l *Ledger) ListMarkets(ctx context.Context, asset string) ([]model.Market, error) {
	addrs, err := l.factoryMarkets(ctx, asset)
	if err != nil {
		return nil, err
	}
	markets := make([]model.Market, 0, len(addrs))
	for _, addr := range addrs {
		l.marketAsset.Store(addr, asset)
		m, err := l.marketInfo(ctx, addr, asset)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func (l *Ledger) ReadUserPredictions(ctx context.Context, user string) ([]model.Prediction, error) {
	account, err := userAddress(user)
	if err != nil {
		return nil, err
	}

	var preds []model.Prediction
	for asset := range l.assets {
		addrs, err := l.factoryMarkets(ctx, asset)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			out, err := l.call(ctx, addr, marketABI, "predictions", account)
			if err != nil {
				return nil, err
			}
			staked := fromWei(out[0].(*big.Int))
			if !staked.IsPositive() {
				continue
			}
			preds = append(preds, model.Prediction{
				User:        user,
				MarketID:    marketKey(addr),
				Asset:       asset,
				YieldStaked: staked,
				Choice:      model.Choice(out[1].(uint8)),
				Claimed:     out[2].(bool),
			})
		}
	}
	return preds, nil
}

func (l *Ledger) PotentialWinnings(ctx context.Context, marketID string, choice model.Choice, amount decimal.Decimal) (decimal.Decimal, error) {
	addr, err := marketAddress(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := l.call(ctx, addr, marketABI, "calculatePotentialWinnings", uint8(choice), toWei(amount))
	if err != nil {
		return decimal.Zero, err
	}
	return fromWei(out[0].(*big.Int)), nil
}

// --- Writer ---

func (l *Ledger) CommitStake(ctx context.Context, user, marketID string, choice model.Choice, amount decimal.Decimal) error {
	if err := l.checkSigner(user); err != nil {
		return err
	}
	addr, err := marketAddress(marketID)
	if err != nil {
		return err
	}
	data, err := marketABI.Pack("predict", uint8(choice), toWei(amount))
	if err != nil {
		return fmt.Errorf("evm: pack predict: %w", err)
	}
	_, err = l.transact(ctx, addr, data)
	return err
}

// CommitFlashLock calls flashDeposit. The advance is credited by the vault
// and reported through getDepositInfo, so ReservedYield is left zero here.
func (l *Ledger) CommitFlashLock(ctx context.Context, user, asset string, principal decimal.Decimal, days int) (model.FlashLock, error) {
	if err := l.checkSigner(user); err != nil {
		return model.FlashLock{}, err
	}
	c, ok := l.assets[asset]
	if !ok {
		return model.FlashLock{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	duration := big.NewInt(int64(days) * secondsPerDay)
	data, err := vaultABI.Pack("flashDeposit", toWei(principal), duration)
	if err != nil {
		return model.FlashLock{}, fmt.Errorf("evm: pack flashDeposit: %w", err)
	}
	hash, err := l.transact(ctx, c.Vault, data)
	if err != nil {
		return model.FlashLock{}, err
	}

	now := time.Now().UTC()
	return model.FlashLock{
		ID:               hash.Hex(),
		User:             user,
		Asset:            asset,
		LockedPrincipal:  principal,
		ReservedYield:    decimal.Zero,
		LockDurationDays: days,
		LockedAt:         now,
		UnlocksAt:        now.AddDate(0, 0, days),
	}, nil
}

// CommitClaim calls claimReward. The returned payout is computed from the
// pools read just before the claim.
func (l *Ledger) CommitClaim(ctx context.Context, user, marketID string) (decimal.Decimal, error) {
	if err := l.checkSigner(user); err != nil {
		return decimal.Zero, err
	}
	m, err := l.ReadMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	addr, _ := marketAddress(marketID)
	out, err := l.call(ctx, addr, marketABI, "predictions", l.from)
	if err != nil {
		return decimal.Zero, err
	}
	p := model.Prediction{
		YieldStaked: fromWei(out[0].(*big.Int)),
		Choice:      model.Choice(out[1].(uint8)),
		Claimed:     out[2].(bool),
	}
	if p.Claimed || !p.YieldStaked.IsPositive() || p.Choice != m.Outcome {
		return decimal.Zero, fmt.Errorf("claim on %s: %w", marketID, ledger.ErrNothingToClaim)
	}

	data, err := marketABI.Pack("claimReward")
	if err != nil {
		return decimal.Zero, fmt.Errorf("evm: pack claimReward: %w", err)
	}
	if _, err := l.transact(ctx, addr, data); err != nil {
		return decimal.Zero, err
	}
	return parimutuel.Settle(m, p), nil
}

// --- Vault ---

// Deposit calls deposit on the asset's vault. The vault pulls the tokens, so
// the signing account must already have approved it; without an allowance
// the transaction reverts.
func (l *Ledger) Deposit(ctx context.Context, user, asset string, amount decimal.Decimal) (model.RawDeposit, error) {
	if err := l.checkSigner(user); err != nil {
		return model.RawDeposit{}, err
	}
	c, ok := l.assets[asset]
	if !ok {
		return model.RawDeposit{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if toWei(amount).Sign() <= 0 {
		return model.RawDeposit{}, &model.RangeError{Field: "amount", Value: amount.String()}
	}
	data, err := vaultABI.Pack("deposit", toWei(amount))
	if err != nil {
		return model.RawDeposit{}, fmt.Errorf("evm: pack deposit: %w", err)
	}
	if _, err := l.transact(ctx, c.Vault, data); err != nil {
		return model.RawDeposit{}, err
	}
	return l.ReadDeposit(ctx, user, asset)
}

// Withdraw calls withdraw on the asset's vault, which pays out the whole
// deposit. Locked yield and open predictions are checked first so the
// common refusals cost no gas; the vault still has the final say.
func (l *Ledger) Withdraw(ctx context.Context, user, asset string) (decimal.Decimal, error) {
	if err := l.checkSigner(user); err != nil {
		return decimal.Zero, err
	}
	info, err := l.depositInfo(ctx, user, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if info.lockedYield.IsPositive() {
		return decimal.Zero, ledger.ErrPrincipalLocked
	}
	open, err := l.hasOpenPredictions(ctx, user, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if open {
		return decimal.Zero, ledger.ErrOpenPredictions
	}

	data, err := vaultABI.Pack("withdraw")
	if err != nil {
		return decimal.Zero, fmt.Errorf("evm: pack withdraw: %w", err)
	}
	if _, err := l.transact(ctx, l.assets[asset].Vault, data); err != nil {
		return decimal.Zero, err
	}
	return info.currentValue, nil
}

func (l *Ledger) hasOpenPredictions(ctx context.Context, user, asset string) (bool, error) {
	preds, err := l.ReadUserPredictions(ctx, user)
	if err != nil {
		return false, err
	}
	for _, p := range preds {
		if p.Asset != asset || p.Claimed {
			continue
		}
		addr, err := marketAddress(p.MarketID)
		if err != nil {
			return false, err
		}
		m, err := l.marketInfo(ctx, addr, asset)
		if err != nil {
			return false, err
		}
		if m.Status != model.StatusResolved {
			return true, nil
		}
	}
	return false, nil
}

// --- calls ---

type depositInfo struct {
	currentValue decimal.Decimal
	principal    decimal.Decimal
	lockedYield  decimal.Decimal
}

func (l *Ledger) depositInfo(ctx context.Context, user, asset string) (depositInfo, error) {
	c, ok := l.assets[asset]
	if !ok {
		return depositInfo{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	account, err := userAddress(user)
	if err != nil {
		return depositInfo{}, err
	}
	out, err := l.call(ctx, c.Vault, vaultABI, "getDepositInfo", account)
	if err != nil {
		return depositInfo{}, err
	}
	return depositInfo{
		currentValue: fromWei(out[0].(*big.Int)),
		principal:    fromWei(out[1].(*big.Int)),
		lockedYield:  fromWei(out[3].(*big.Int)),
	}, nil
}

func (l *Ledger) marketInfo(ctx context.Context, addr common.Address, asset string) (model.Market, error) {
	out, err := l.call(ctx, addr, marketABI, "getMarketInfo")
	if err != nil {
		return model.Market{}, err
	}
	return model.Market{
		ID:            marketKey(addr),
		Asset:         asset,
		Question:      out[0].(string),
		Status:        model.MarketStatus(out[1].(uint8)),
		Outcome:       model.Choice(out[2].(uint8)),
		TotalYesStake: fromWei(out[3].(*big.Int)),
		TotalNoStake:  fromWei(out[4].(*big.Int)),
		ClosesAt:      time.Unix(out[5].(*big.Int).Int64(), 0).UTC(),
	}, nil
}

func (l *Ledger) factoryMarkets(ctx context.Context, asset string) ([]common.Address, error) {
	c, ok := l.assets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	out, err := l.call(ctx, c.Factory, factoryABI, "getAllMarkets")
	if err != nil {
		return nil, err
	}
	return out[0].([]common.Address), nil
}

func (l *Ledger) assetOf(ctx context.Context, addr common.Address) (string, error) {
	if v, ok := l.marketAsset.Load(addr); ok {
		return v.(string), nil
	}
	for asset := range l.assets {
		addrs, err := l.factoryMarkets(ctx, asset)
		if err != nil {
			return "", err
		}
		for _, a := range addrs {
			l.marketAsset.Store(a, asset)
		}
	}
	if v, ok := l.marketAsset.Load(addr); ok {
		return v.(string), nil
	}
	return "", fmt.Errorf("market %s: %w", marketKey(addr), model.ErrNotFound)
}

// call packs method, runs eth_call against to and unpacks the outputs.
func (l *Ledger) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	result, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := contract.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return out, nil
}

// transact signs and broadcasts a call to to, then waits for its receipt.
func (l *Ledger) transact(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	l.txMu.Lock()
	signed, err := l.signAndSend(ctx, to, data)
	l.txMu.Unlock()
	if err != nil {
		return common.Hash{}, err
	}

	slog.Info("transaction broadcast", "hash", signed.Hash().Hex(), "to", to.Hex(), "nonce", signed.Nonce())
	if err := l.waitMined(ctx, signed.Hash()); err != nil {
		return signed.Hash(), err
	}
	return signed.Hash(), nil
}

func (l *Ledger) signAndSend(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return nil, fmt.Errorf("evm: nonce: %w", err)
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: gas tip: %w", err)
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	// MaxFeePerGas = 2*baseFee + tip leaves room for base fee growth.
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{From: l.from, To: &to, Data: data})
	if err != nil {
		// Estimation runs the call, so a revert shows up here first.
		return nil, fmt.Errorf("evm: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return nil, fmt.Errorf("evm: sign: %w", err)
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("evm: broadcast: %w", err)
	}
	return signed, nil
}

func (l *Ledger) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("evm: receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("evm: waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Ledger) checkSigner(user string) error {
	account, err := userAddress(user)
	if err != nil {
		return err
	}
	if account != l.from {
		return fmt.Errorf("%w: %s", ErrSignerMismatch, user)
	}
	return nil
}

// --- conversions ---

func userAddress(user string) (common.Address, error) {
	if !common.IsHexAddress(user) {
		return common.Address{}, &model.RangeError{Field: "user", Value: user}
	}
	return common.HexToAddress(user), nil
}

func marketAddress(id string) (common.Address, error) {
	if !common.IsHexAddress(id) {
		return common.Address{}, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	return common.HexToAddress(id), nil
}

func marketKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// toWei converts a token amount to its 18-decimal integer, truncating dust.
func toWei(v decimal.Decimal) *big.Int {
	return v.Shift(model.Scale).Truncate(0).BigInt()
}

func fromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -model.Scale)
}
