package valuecodec_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/valuecodec"
)

func TestFlagsRoundTrip(t *testing.T) {
	registered := []int{1, 2, 3, 5, 8}

	bitmap, err := valuecodec.FlagsToInt(9, []int{1, 3, 8}, registered)
	require.NoError(t, err)
	require.Equal(t, int64(1<<0|1<<2|1<<7), bitmap)

	back := valuecodec.IntToFlags(bitmap, registered)
	sort.Ints(back)
	require.Equal(t, []int{1, 3, 8}, back)
}

func TestFlagsToIntRejectsUnregistered(t *testing.T) {
	_, err := valuecodec.FlagsToInt(9, []int{1, 4}, []int{1, 2, 3})
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindBadFlag))
}

func TestIntToFlagsDropsUnregisteredBits(t *testing.T) {
	// Bit 4 (value 8) is set but not in the registered list, and must
	// be silently dropped.
	bitmap := int64(1<<0 | 1<<3)
	out := valuecodec.IntToFlags(bitmap, []int{1, 2})
	require.Equal(t, []int{1}, out)
}

func TestFlagsToIntRejectsOutOfRange(t *testing.T) {
	_, err := valuecodec.FlagsToInt(9, []int{0}, []int{1})
	require.Error(t, err)
	_, err = valuecodec.FlagsToInt(9, []int{64}, []int{64})
	require.Error(t, err)
}
