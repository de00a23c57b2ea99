package util

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)

	accountBalanceArguments = abi.Arguments{{Type: addressType}, {Type: uint256Type}}
)

// EncodeAccountBalance returns abi.encode(address, uint256), the leaf preimage the
// on-chain verifier hashes.
func EncodeAccountBalance(address common.Address, balance *big.Int) ([]byte, error) {
	if balance == nil {
		return nil, fmt.Errorf("balance is nil")
	}
	if balance.Sign() < 0 {
		return nil, fmt.Errorf("balance is negative: %s", balance.String())
	}
	if balance.BitLen() > 256 {
		return nil, fmt.Errorf("balance does not fit in uint256: %s", balance.String())
	}

	encoded, err := accountBalanceArguments.Pack(address, balance)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// DecodeAccountBalance reverses EncodeAccountBalance.
func DecodeAccountBalance(data []byte) (common.Address, *big.Int, error) {
	out, err := accountBalanceArguments.Unpack(data)
	if err != nil {
		return common.Address{}, nil, err
	}
	if len(out) != 2 {
		return common.Address{}, nil, fmt.Errorf("expected 2 values, got %d", len(out))
	}
	address, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unexpected address type %T", out[0])
	}
	balance, ok := out[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unexpected balance type %T", out[1])
	}
	return address, balance, nil
}
