package testutil

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSequentialIdGenerator(t *testing.T) {
	next := SequentialIdGenerator()

	assert.Equal(t, uuid.MustParse("00000000-0000-0000-0000-000000000001"), next())
	assert.Equal(t, uuid.MustParse("00000000-0000-0000-0000-000000000002"), next())

	other := SequentialIdGenerator()
	assert.Equal(t, uuid.MustParse("00000000-0000-0000-0000-000000000001"), other())
}

func TestCreateTestBalances(t *testing.T) {
	balances := CreateTestBalances(100, 200)

	assert.Len(t, balances, 2)
	assert.Equal(t, CreateTestAddress(1), balances[0].Address)
	assert.Equal(t, big.NewInt(200), balances[1].Balance)
}
