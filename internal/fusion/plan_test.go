package fusion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"baseline":              Baseline,
		"intra":                 Intra,
		"intra_inter":           IntraInter,
		"intra_inter_full_fuse": IntraInterFullFuse,
	}
	for name, want := range cases {
		got, err := ParseKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}
	_, err := ParseKind("medium_rare")
	assert.Error(t, err)
}

func TestOnlyFullFuseIsFused(t *testing.T) {
	assert.False(t, Baseline.Fused())
	assert.False(t, Intra.Fused())
	assert.False(t, IntraInter.Fused())
	assert.True(t, IntraInterFullFuse.Fused())
}

func TestBuildCanonicalPlans(t *testing.T) {
	for _, kind := range []Kind{Baseline, Intra, IntraInter, IntraInterFullFuse} {
		p, err := Build(kind)
		require.NoError(t, err, kind)
		require.NoError(t, p.Validate(), kind)
		assert.Equal(t, kind, p.Kind)
	}
}

func TestBaselineStoresEverythingExact(t *testing.T) {
	p, err := Build(Baseline)
	require.NoError(t, err)
	for b := Boundary(0); b < NumBoundaries; b++ {
		assert.Equal(t, StoreExact, p.At(b).Decision, b.String())
	}
}

func TestIntraCompressesOperatorInternals(t *testing.T) {
	p, err := Build(Intra)
	require.NoError(t, err)
	for _, b := range []Boundary{BlockInput, GateProj, AttnProbs} {
		assert.Equal(t, StoreCompressed, p.At(b).Decision, b.String())
	}
	// No recomputation at the intra level.
	for b := Boundary(0); b < NumBoundaries; b++ {
		assert.NotEqual(t, Recompute, p.At(b).Decision, b.String())
	}
}

func TestInterKindsShareRetention(t *testing.T) {
	a, err := Build(IntraInter)
	require.NoError(t, err)
	b, err := Build(IntraInterFullFuse)
	require.NoError(t, err)
	// The fused kind changes execution, not what is retained; gradient
	// equivalence between the two depends on identical retention.
	assert.Equal(t, a.Steps, b.Steps)

	assert.Equal(t, StoreCompressed, a.At(NormOut).Decision)
	assert.Equal(t, Recompute, a.At(GateHadamard).Decision)
	assert.Equal(t, NormOut, a.At(GateHadamard).Source)
	assert.Equal(t, Recompute, a.At(AttnQuery).Decision)
	assert.Equal(t, BlockInput, a.At(AttnQuery).Source)
}

// TestValidateRejectsChainedRecompute: a recompute source that is itself
// discarded must fail at construction, before any training step.
func TestValidateRejectsChainedRecompute(t *testing.T) {
	p, err := Build(IntraInter)
	require.NoError(t, err)

	// Point a recompute at another recomputed boundary.
	p.Steps[GateHadamard] = Step{Decision: Recompute, Source: UpProj}
	err = p.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFusionPlan))
}

func TestValidateRejectsUnknownSource(t *testing.T) {
	p, err := Build(IntraInter)
	require.NoError(t, err)
	p.Steps[UpProj] = Step{Decision: Recompute, Source: NumBoundaries + 3}
	assert.ErrorIs(t, p.Validate(), ErrInvalidFusionPlan)
}

func TestBoundaryNames(t *testing.T) {
	seen := map[string]bool{}
	for b := Boundary(0); b < NumBoundaries; b++ {
		name := b.String()
		assert.NotEmpty(t, name)
		assert.False(t, seen[name], "duplicate boundary name %s", name)
		seen[name] = true
	}
}
