package detour

import (
	"errors"
	"fmt"
	"reflect"
)

// signatureDiff lists the positions where two function types disagree. A nil
// type means the position is missing from that side.
type signatureDiff struct {
	In  []*typeDifference
	Out []*typeDifference

	aVariadic, bVariadic bool
}

type typeDifference struct {
	A reflect.Type
	B reflect.Type
}

func (d *signatureDiff) Error() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}
	if d.aVariadic != d.bVariadic {
		errs = append(errs, fmt.Errorf("variadic: %v != %v", d.aVariadic, d.bVariadic))
	}

	return errors.Join(errs...)
}

func diffFuncs(a, b reflect.Value) *signatureDiff {
	at := a.Type()
	bt := b.Type()

	return &signatureDiff{
		In:        diffTypes(at.NumIn(), bt.NumIn(), at.In, bt.In),
		Out:       diffTypes(at.NumOut(), bt.NumOut(), at.Out, bt.Out),
		aVariadic: at.IsVariadic(),
		bVariadic: bt.IsVariadic(),
	}
}

// diffTypes compares two type lists position by position. The result is as
// long as the longer list and holds nil where the types agree.
func diffTypes(na, nb int, a, b func(int) reflect.Type) []*typeDifference {
	diffs := make([]*typeDifference, max(na, nb))
	for i := range diffs {
		var ta, tb reflect.Type
		if i < na {
			ta = a(i)
		}
		if i < nb {
			tb = b(i)
		}
		if ta != tb {
			diffs[i] = &typeDifference{A: ta, B: tb}
		}
	}
	return diffs
}
