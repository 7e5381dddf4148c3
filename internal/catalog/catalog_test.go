package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewChainOrdersBySequence(t *testing.T) {
	chain, err := NewChain([]Step{
		{Code: "INSPECTION", Sequence: 2},
		{Code: "CUTTING", Sequence: 0},
		{Code: "ASSEMBLY", Sequence: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 3, chain.Len())
	require.Equal(t, "CUTTING", chain.First().Code)
	require.Equal(t, "INSPECTION", chain.Last().Code)

	step, ok := chain.At(1)
	require.True(t, ok)
	require.Equal(t, "ASSEMBLY", step.Code)
}

func TestNewChainRejectsGaps(t *testing.T) {
	_, err := NewChain([]Step{
		{Code: "CUTTING", Sequence: 0},
		{Code: "ASSEMBLY", Sequence: 2},
	})
	require.Error(t, err)
}

func TestNewChainRejectsDuplicateCodes(t *testing.T) {
	_, err := NewChain([]Step{
		{Code: "CUTTING", Sequence: 0},
		{Code: "CUTTING", Sequence: 1},
	})
	require.Error(t, err)
}

func TestNewChainRejectsEmpty(t *testing.T) {
	_, err := NewChain(nil)
	require.Error(t, err)
}

func TestByCode(t *testing.T) {
	chain, err := NewChain([]Step{
		{Code: "CUTTING", Sequence: 0},
		{Code: "ASSEMBLY", Sequence: 1},
	})
	require.NoError(t, err)

	step, ok := chain.ByCode("ASSEMBLY")
	require.True(t, ok)
	require.Equal(t, 1, step.Sequence)
	require.True(t, chain.IsLast(step.Sequence))

	_, ok = chain.ByCode("PACKAGING")
	require.False(t, ok)
}
