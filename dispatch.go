package detour

import (
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"
)

// Stats is a snapshot of a Dispatcher's counters.
type Stats struct {
	// Calls is the number of calls that entered the dispatcher.
	Calls int64

	// Redirected is the number of calls the policy matched.
	Redirected int64

	// InFlight is the number of calls that have not returned yet.
	InFlight int64
}

// Dispatcher runs in place of an intercepted function. It applies a Policy
// to the arguments of each call, then calls the original function.
//
// A Dispatcher takes no locks, so it can be entered concurrently and
// recursively.
type Dispatcher struct {
	policy   Policy
	original reflect.Value
	variadic bool

	name string
	log  *zap.Logger

	calls      atomic.Int64
	redirected atomic.Int64
	inFlight   atomic.Int64
}

func newDispatcher(policy Policy, original reflect.Value) *Dispatcher {
	return &Dispatcher{
		policy:   policy,
		original: original,
		variadic: original.Type().IsVariadic(),
		log:      zap.NewNop(),
	}
}

// Func returns the dispatcher as a function of the original's type.
func (d *Dispatcher) Func() reflect.Value {
	return reflect.MakeFunc(d.original.Type(), d.call)
}

func (d *Dispatcher) call(args []reflect.Value) []reflect.Value {
	d.calls.Add(1)
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	if d.policy.Match(args) {
		// Transform may rewrite args in place, so they're captured first.
		ce := d.log.Check(zap.DebugLevel, "redirected call")
		var in zap.Field
		if ce != nil {
			in = zap.Any("args", argValues(args))
		}

		args = d.policy.Transform(args)
		d.redirected.Add(1)

		if ce != nil {
			ce.Write(zap.String("func", d.name), in, zap.Any("new_args", argValues(args)))
		}
	} else if ce := d.log.Check(zap.DebugLevel, "passed call through"); ce != nil {
		ce.Write(zap.String("func", d.name), zap.Any("args", argValues(args)))
	}

	// MakeFunc hands the variadic arguments over as a slice.
	if d.variadic {
		return d.original.CallSlice(args)
	}
	return d.original.Call(args)
}

func argValues(args []reflect.Value) []any {
	vals := make([]any, len(args))
	for i, arg := range args {
		vals[i] = arg.Interface()
	}
	return vals
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Calls:      d.calls.Load(),
		Redirected: d.redirected.Load(),
		InFlight:   d.inFlight.Load(),
	}
}
