package util

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestEncodeAccountBalance_Layout(t *testing.T) {
	address := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	encoded, err := EncodeAccountBalance(address, big.NewInt(256))
	require.NoError(t, err)

	// 12 zero bytes + address, then the balance as a 32 byte big-endian word
	expected := "0x" +
		"00000000000000000000000000000000000000000000000000000000000000aa" +
		"0000000000000000000000000000000000000000000000000000000000000100"
	require.Equal(t, expected, hexutil.Encode(encoded))
}

func TestEncodeAccountBalance_Invalid(t *testing.T) {
	address := common.HexToAddress("0x01")

	_, err := EncodeAccountBalance(address, nil)
	require.Error(t, err)

	_, err = EncodeAccountBalance(address, big.NewInt(-1))
	require.Error(t, err)

	tooLarge := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = EncodeAccountBalance(address, tooLarge)
	require.Error(t, err)

	maxUint256 := new(big.Int).Sub(tooLarge, big.NewInt(1))
	_, err = EncodeAccountBalance(address, maxUint256)
	require.NoError(t, err)
}

func TestDeduplicate(t *testing.T) {
	in := []string{"a", "b", "a", "c", "b"}
	out := Deduplicate(in, func(s string) string { return s })
	require.Equal(t, []string{"a", "b", "c"}, out)
}
