package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/pkg/logging"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the
// topic[0] of every ERC-20 Transfer event.
var transferTopic = func() string {
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte("Transfer(address,address,uint256)"))
	return "0x" + common.Bytes2Hex(hash.Sum(nil))
}()

// Verifier extracts ledger evidence from transaction receipts on one
// network. It only reports facts; accept/reject policy lives in the
// gate.
type Verifier struct {
	client  *RPCClient
	network NetworkConfig
	logger  logging.Logger
}

func NewVerifier(client *RPCClient, network NetworkConfig, logger logging.Logger) *Verifier {
	return &Verifier{client: client, network: network, logger: logger}
}

// Network returns the network this verifier inspects.
func (v *Verifier) Network() NetworkConfig {
	return v.network
}

// CollectEvidence gathers what the chain can prove about a transaction:
// mined-or-not, revert status, confirmation depth, and every USDT
// Transfer the transaction emitted. Transfers from other token contracts
// are ignored here so a decoy token cannot impersonate a payment.
func (v *Verifier) CollectEvidence(ctx context.Context, txHash string) (*ledger.OnChainEvidence, error) {
	receipt, err := v.client.GetTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		// Not mined; the gate defers until it shows up or expires.
		return &ledger.OnChainEvidence{}, nil
	}

	currentBlock, err := v.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	txBlock, err := parseHexInt64(receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed receipt block number %q", ledger.ErrExternalService, receipt.BlockNumber)
	}

	evidence := &ledger.OnChainEvidence{
		TxBlock:      txBlock,
		CurrentBlock: currentBlock,
		Reverted:     receipt.Status != "0x1",
	}

	for _, log := range receipt.Logs {
		if !strings.EqualFold(log.Address, v.network.USDTContract) {
			continue
		}
		if len(log.Topics) < 3 || !strings.EqualFold(log.Topics[0], transferTopic) {
			continue
		}
		to := topicAddress(log.Topics[2])
		amount := v.decodeTokenAmount(log.Data)
		evidence.Transfers = append(evidence.Transfers, ledger.TokenTransfer{
			To:     to,
			Amount: amount,
		})
	}

	v.logger.WithFields(logging.Fields{
		"tx_hash":   txHash,
		"network":   v.network.Name,
		"tx_block":  evidence.TxBlock,
		"head":      evidence.CurrentBlock,
		"reverted":  evidence.Reverted,
		"transfers": len(evidence.Transfers),
	}).Debug("Collected on-chain evidence")

	return evidence, nil
}

// topicAddress extracts the address from a 32-byte indexed topic.
func topicAddress(topic string) string {
	return strings.ToLower(common.BytesToAddress(common.FromHex(topic)).Hex())
}

// decodeTokenAmount converts the raw uint256 event data into whole
// tokens using the network's token decimals. Precision loss past
// float64 is acceptable for reconciliation amounts.
func (v *Verifier) decodeTokenAmount(data string) float64 {
	raw := new(big.Int).SetBytes(common.FromHex(data))
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.network.USDTDecimals)), nil)
	amount, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), new(big.Float).SetInt(scale)).Float64()
	return ledger.ParseAmount(amount, 0)
}

func parseHexInt64(s string) (int64, error) {
	value := new(big.Int).SetBytes(common.FromHex(s))
	if !value.IsInt64() {
		return 0, fmt.Errorf("value out of range: %s", s)
	}
	return value.Int64(), nil
}
