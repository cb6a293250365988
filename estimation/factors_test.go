package estimation_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cost-index-engine/estimation"
)

func TestBuildChain_OrderAndSources(t *testing.T) {
	// GIVEN: Factors supplied out of order, one manual, one unknown to the dictionary
	// WHEN: Building the chain
	// THEN: Region comes before quality before custom, the unknown one is
	//       dropped with a warning

	dict := testDictionary(t)
	chain, warnings := estimation.BuildChain([]estimation.Factor{
		{Kind: estimation.FactorCustom, Label: "winter works", Value: 1.05, IsManual: true},
		{Kind: estimation.FactorQuality, Grade: "high"},
		{Kind: estimation.FactorStructure, StructureType: "steel"},
		{Kind: estimation.FactorRegion, RegionCode: "EAST"},
	}, dict)

	require.Len(t, chain, 3)
	assert.Equal(t, estimation.FactorRegion, chain[0].Kind)
	assert.Equal(t, estimation.SourceDict, chain[0].Source)
	assert.Equal(t, estimation.FactorQuality, chain[1].Kind)
	assert.Equal(t, estimation.FactorCustom, chain[2].Kind)
	assert.Equal(t, estimation.SourceManual, chain[2].Source)
	assert.Equal(t, "winter works", chain[2].Key)
	assert.Len(t, warnings, 1)

	want := decimal.RequireFromString("1.386")
	assert.True(t, want.Equal(estimation.ChainProduct(chain)), "product %s", estimation.ChainProduct(chain))
}

func TestBuildChain_ExplicitValueBeatsDictionary(t *testing.T) {
	dict := testDictionary(t)
	chain, warnings := estimation.BuildChain([]estimation.Factor{
		{Kind: estimation.FactorRegion, RegionCode: "EAST", Value: 1.3},
	}, dict)

	require.Len(t, chain, 1)
	assert.Empty(t, warnings)
	assert.True(t, decimal.RequireFromString("1.3").Equal(chain[0].Value))
	assert.Equal(t, estimation.SourceDict, chain[0].Source)
}

func TestChainProduct_Empty(t *testing.T) {
	assert.True(t, decimal.NewFromInt(1).Equal(estimation.ChainProduct(nil)))
}

func TestFactor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		factor  estimation.Factor
		wantErr bool
	}{
		{"dictionary region", estimation.Factor{Kind: estimation.FactorRegion, RegionCode: "EAST"}, false},
		{"manual custom", estimation.Factor{Kind: estimation.FactorCustom, Label: "x", Value: 0.9, IsManual: true}, false},
		{"unknown kind", estimation.Factor{Kind: "weather", Label: "x"}, true},
		{"missing payload", estimation.Factor{Kind: estimation.FactorQuality, Label: "high"}, true},
		{"manual without value", estimation.Factor{Kind: estimation.FactorCustom, Label: "x", IsManual: true}, true},
		{"negative", estimation.Factor{Kind: estimation.FactorStructure, StructureType: "steel", Value: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.factor.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, estimation.ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
