package phonetic_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/phonetic"
)

func TestDMetaphoneIsStable(t *testing.T) {
	p1, a1 := phonetic.DMetaphone("Catherine")
	p2, a2 := phonetic.DMetaphone("Catherine")
	require.Equal(t, p1, p2)
	require.Equal(t, a1, a2)
	require.NotEmpty(t, p1)
}

func TestDMetaphoneEmptyInput(t *testing.T) {
	p, a := phonetic.DMetaphone("")
	require.Empty(t, p)
	require.Empty(t, a)

	p, a = phonetic.DMetaphone("   ")
	require.Empty(t, p)
	require.Empty(t, a)
}

func TestDMetaphoneNoAlternateCollapsesToEmpty(t *testing.T) {
	// A name with no branching consonant digraphs produces identical
	// primary/secondary codes, which DMetaphone collapses to alt == "".
	_, alt := phonetic.DMetaphone("Ann")
	require.Empty(t, alt)
}

func TestDMetaphoneTruncatesToFourCodes(t *testing.T) {
	p, a := phonetic.DMetaphone("Abracadabra")
	require.LessOrEqual(t, len(p), 4)
	require.LessOrEqual(t, len(a), 4)
}
