package metering

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/types"
)

// usdcDecimals converts USDC amounts to their on-chain integer representation
const usdcDecimals = 1e6

const settlementABI = `[{"name":"settle","type":"function","inputs":[{"name":"payer","type":"address"},{"name":"payee","type":"address"},{"name":"amount","type":"uint256"},{"name":"payout","type":"uint256"}],"outputs":[]}]`

// EthChainClient submits settlement batches to the settlement contract
// through a JSON-RPC endpoint.
type EthChainClient struct {
	client   *ethclient.Client
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	abi      abi.ABI
}

// NewChainClient builds a chain client from the metering configuration.
// With no RPC endpoint configured it returns a logging no-op client, which
// keeps the billing pipeline usable in development.
func NewChainClient(cfg *config.MeteringConfig) (ChainClient, error) {
	if cfg.RpcURL == "" {
		log.WithComponent("metering").Warn().Msg("no settlement RPC configured, settlements will be logged only")
		return &noopChainClient{}, nil
	}

	client, err := ethclient.Dial(cfg.RpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to settlement RPC: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement abi: %w", err)
	}

	return &EthChainClient{
		client:   client,
		contract: common.HexToAddress(cfg.SettlementContract),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		abi:      parsed,
	}, nil
}

// SubmitBatch sends one settle transaction for the batch and waits for no
// confirmations: the driver marks records settled optimistically and the
// transaction hash is kept for audit.
func (c *EthChainClient) SubmitBatch(batch *types.SettlementBatch) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	calldata, err := c.abi.Pack("settle",
		common.HexToAddress(batch.UserWallet),
		common.HexToAddress(batch.NodeWallet),
		usdcToWire(batch.TotalUsdc),
		usdcToWire(batch.NodePayoutUsdc),
	)
	if err != nil {
		return "", fmt.Errorf("failed to encode settlement: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, c.contract, big.NewInt(0), 300000, gasPrice, calldata)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign settlement: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send settlement: %w", err)
	}

	return signed.Hash().Hex(), nil
}

func usdcToWire(amount float64) *big.Int {
	return big.NewInt(int64(amount * usdcDecimals))
}

// noopChainClient logs would-be settlements and fabricates a local hash so
// records still leave the unsettled set.
type noopChainClient struct{}

func (n *noopChainClient) SubmitBatch(batch *types.SettlementBatch) (string, error) {
	log.WithComponent("metering").Info().
		Str("user_wallet", batch.UserWallet).
		Str("node_wallet", batch.NodeWallet).
		Float64("total_usdc", batch.TotalUsdc).
		Int("records", len(batch.Records)).
		Msg("settlement skipped, no chain configured")
	return fmt.Sprintf("local-%d", time.Now().UnixNano()), nil
}
