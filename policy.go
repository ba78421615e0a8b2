package detour

import (
	"reflect"
	"slices"
)

// Policy decides which calls a Dispatcher redirects and how.
//
// Both methods may be called concurrently. When a stack check in the
// function's entry sends a call through the runtime's stack growth, the
// call enters the dispatcher a second time with the already transformed
// arguments, so Transform should be idempotent.
type Policy interface {
	// Match reports whether the call with args is redirected.
	Match(args []reflect.Value) bool

	// Transform returns the arguments to call the original with. It must
	// return values of the same types. args may be modified in place.
	Transform(args []reflect.Value) []reflect.Value
}

// PolicyFunc builds a Policy from two functions. A nil When never matches,
// and a nil Rewrite leaves the arguments unchanged.
type PolicyFunc struct {
	When    func(args []reflect.Value) bool
	Rewrite func(args []reflect.Value) []reflect.Value
}

func (p PolicyFunc) Match(args []reflect.Value) bool {
	return p.When != nil && p.When(args)
}

func (p PolicyFunc) Transform(args []reflect.Value) []reflect.Value {
	if p.Rewrite == nil {
		return args
	}
	return p.Rewrite(args)
}

// Passthrough never matches. Every call runs the original unchanged.
var Passthrough Policy = PolicyFunc{}

// ReplaceArg returns a Policy that replaces argument i with to whenever it
// equals from. from must have exactly the argument's type. to must be
// assignable to it, or be of the same kind and convertible, so a string can
// stand in for a named string type but an int never becomes a string. For
// example, to run vi whenever nano is started:
//
//	detour.Intercept(startProcess, detour.ReplaceArg(0, "/usr/bin/nano", "/usr/bin/vi"))
func ReplaceArg(i int, from, to any) Policy {
	fromv := reflect.ValueOf(from)
	tov := reflect.ValueOf(to)

	return PolicyFunc{
		When: func(args []reflect.Value) bool {
			if i < 0 || i >= len(args) || !fromv.IsValid() || !tov.IsValid() {
				return false
			}
			arg := args[i]
			if arg.Type() != fromv.Type() || !arg.Comparable() || !replaceable(tov.Type(), arg.Type()) {
				return false
			}
			return arg.Equal(fromv)
		},
		Rewrite: func(args []reflect.Value) []reflect.Value {
			args = slices.Clone(args)
			args[i] = tov.Convert(args[i].Type())
			return args
		},
	}
}

func replaceable(to, arg reflect.Type) bool {
	if to.AssignableTo(arg) {
		return true
	}
	return to.Kind() == arg.Kind() && to.ConvertibleTo(arg)
}
