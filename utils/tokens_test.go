package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 3, EstimateTokens("hello world!"))
}

func TestTokenCounter(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	require.NotNil(t, tc)

	count := tc.Count("the quick brown fox jumps over the lazy dog")
	assert.Greater(t, count, 5)
	assert.Less(t, count, 20)

	// cached second construction
	tc2, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, count, tc2.Count("the quick brown fox jumps over the lazy dog"))
}

func TestTruncateToTokens(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}

	short := "hello"
	assert.Equal(t, short, tc.TruncateToTokens(short, 10))

	long := ""
	for i := 0; i < 200; i++ {
		long += "word "
	}
	out := tc.TruncateToTokens(long, 10)
	assert.Contains(t, out, "[...truncated]")
	assert.Less(t, len(out), len(long))
}
