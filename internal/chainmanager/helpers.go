package chainmanager

import "github.com/ethereum/go-ethereum/common"

func addressOf(hex string) common.Address {
	return common.HexToAddress(hex)
}
