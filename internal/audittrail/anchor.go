package audittrail

import (
	"context"
	"fmt"

	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
)

// ChainAnchor commits the audit trail's root hash to a blockchain by
// embedding it in a zero-value self-transfer memo through a
// ports.ChainExecutor, giving the hash a public, timestamped, tamper-evident
// home without needing a dedicated anchoring contract.
type ChainAnchor struct {
	executor   ports.ChainExecutor
	anchorAddr string
}

// NewChainAnchor builds an Anchor that writes root hashes to anchorAddr.
func NewChainAnchor(executor ports.ChainExecutor, anchorAddr string) *ChainAnchor {
	return &ChainAnchor{executor: executor, anchorAddr: anchorAddr}
}

// Commit submits a zero-value transfer whose memo carries the root hash.
func (a *ChainAnchor) Commit(ctx context.Context, rootHash []byte) (string, error) {
	receipt, err := a.executor.Submit(ctx, ports.ChainTransfer{
		From:   a.anchorAddr,
		To:     a.anchorAddr,
		Amount: money.Zero(),
		Memo:   fmt.Sprintf("audit-anchor:%x", rootHash),
	})
	if err != nil {
		return "", fmt.Errorf("audittrail: anchor commit: %w", err)
	}
	return receipt.TxHash, nil
}
