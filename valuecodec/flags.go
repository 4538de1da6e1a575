package valuecodec

import "github.com/cameron/datahog/errors"

// FlagsToInt converts a set of 1-based positive integer flags into a
// bitmap, setting bit i-1 for each i. registered lists the flag values
// allowed for the owning ctx; any flag not present there fails with
// errors.KindBadFlag.
func FlagsToInt(ctx int, flags []int, registered []int) (int64, error) {
	allowed := toSet(registered)
	var bitmap int64
	for _, f := range flags {
		if f < 1 || f > 63 {
			return 0, errors.NewBadFlagError(ctx, f)
		}
		if _, ok := allowed[f]; !ok {
			return 0, errors.NewBadFlagError(ctx, f)
		}
		bitmap |= 1 << uint(f-1)
	}
	return bitmap, nil
}

// IntToFlags is FlagsToInt's inverse: it expands a bitmap back into the
// set of 1-based flag values, silently dropping any bit not registered
// for ctx.
func IntToFlags(bitmap int64, registered []int) []int {
	allowed := toSet(registered)
	var out []int
	for f := 1; f <= 63; f++ {
		if bitmap&(1<<uint(f-1)) == 0 {
			continue
		}
		if _, ok := allowed[f]; !ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

func toSet(flags []int) map[int]struct{} {
	m := make(map[int]struct{}, len(flags))
	for _, f := range flags {
		m[f] = struct{}{}
	}
	return m
}
