package testgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoSubset builds a spec that prints the given line and exits with code.
func echoSubset(line string, exitCode int) SubsetSpec {
	return SubsetSpec{
		Command: "sh",
		Args:    []string{"-c", "echo '" + line + "'; exit " + itoa(exitCode)},
		Timeout: 5 * time.Second,
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	return string(rune('0' + n))
}

func TestRun_AllPassing(t *testing.T) {
	g := New(t.TempDir(), map[SubsetKind]SubsetSpec{
		SubsetUnit:        echoSubset(`{"passed":8,"failed":0,"total":8}`, 0),
		SubsetIntegration: echoSubset(`{"passed":3,"failed":0,"total":3}`, 0),
	}, 0, nil)

	out, err := g.Run(context.Background(), Config{Unit: true, Integration: true})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 11, out.Passed)
	assert.Equal(t, 0, out.Failed)
	assert.Equal(t, 11, out.Total)
	assert.False(t, out.Inconclusive)
}

func TestRun_MergesFailuresAcrossSubsets(t *testing.T) {
	g := New(t.TempDir(), map[SubsetKind]SubsetSpec{
		SubsetUnit: echoSubset(`{"passed":8,"failed":2,"total":10}`, 1),
	}, 0, nil)

	out, err := g.Run(context.Background(), Config{Unit: true})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 8, out.Passed)
	assert.Equal(t, 2, out.Failed)
	assert.Equal(t, 10, out.Total)
}

func TestRun_UnparseableOutputIsInconclusive(t *testing.T) {
	g := New(t.TempDir(), map[SubsetKind]SubsetSpec{
		SubsetUnit: echoSubset("garbage output, no summary", 0),
	}, 0, nil)

	out, err := g.Run(context.Background(), Config{Unit: true})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.True(t, out.Inconclusive)
	assert.Equal(t, 0, out.Total)
	assert.Contains(t, out.ErrorText, "unparseable")
}

func TestRun_ZeroTotalIsNotSuccess(t *testing.T) {
	g := New(t.TempDir(), map[SubsetKind]SubsetSpec{
		SubsetUnit: echoSubset(`{"passed":0,"failed":0,"total":0}`, 0),
	}, 0, nil)

	out, err := g.Run(context.Background(), Config{Unit: true})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.True(t, out.Inconclusive)
}

func TestRun_CoverageBelowThresholdFlipsSuccess(t *testing.T) {
	g := New(t.TempDir(), map[SubsetKind]SubsetSpec{
		SubsetUnit:     echoSubset(`{"passed":5,"failed":0,"total":5}`, 0),
		SubsetCoverage: echoSubset(`{"passed":5,"failed":0,"total":5,"coveragePct":42.5}`, 0),
	}, 80, nil)

	out, err := g.Run(context.Background(), Config{Unit: true, Coverage: true})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 0, out.Failed)
	assert.Contains(t, out.ErrorText, "below threshold")
}

func TestRun_CoverageAboveThreshold(t *testing.T) {
	g := New(t.TempDir(), map[SubsetKind]SubsetSpec{
		SubsetCoverage: echoSubset(`{"passed":5,"failed":0,"total":5,"coveragePct":91.0}`, 0),
	}, 80, nil)

	out, err := g.Run(context.Background(), Config{Coverage: true})
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestRun_MissingSubsetConfig(t *testing.T) {
	g := New(t.TempDir(), map[SubsetKind]SubsetSpec{}, 0, nil)

	out, err := g.Run(context.Background(), Config{E2E: true})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.ErrorText, "no command configured")
}

func TestRun_NoSubsetsRequested(t *testing.T) {
	g := New(t.TempDir(), nil, 0, nil)

	out, err := g.Run(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.True(t, out.Inconclusive)
}

func TestParseSummary_PicksLastJSONLine(t *testing.T) {
	sum, ok := parseSummary("noise\n{\"passed\":1,\"failed\":0,\"total\":1}\ntrailer")
	require.True(t, ok)
	assert.Equal(t, 1, *sum.Total)

	_, ok = parseSummary("{\"unrelated\":true}")
	assert.False(t, ok)
}
