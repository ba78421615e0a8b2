package detour

import (
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func add(a, b int) int {
	return a + b
}

//go:noinline
func greet(name string) string {
	return "hello " + name
}

//go:noinline
func a() string {
	return "a"
}

func b() string {
	return "b"
}

func funcBytes(t *testing.T, fn any) []byte {
	t.Helper()
	target, err := TargetOf(fn)
	require.NoError(t, err)
	return append([]byte(nil), target.code()...)
}

func TestIntercept(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	before := funcBytes(t, add)

	rec, err := Intercept(add, bumpFirst())
	require.NoError(err)
	assert.Equal(Patched, rec.State())

	assert.Equal(13, add(5, 3))
	assert.Equal(5, add(2, 3))
	assert.Equal(Stats{Calls: 2, Redirected: 1}, rec.Stats())

	require.NoError(rec.Restore())
	assert.Equal(8, add(5, 3))
	assert.Equal(before, funcBytes(t, add))
	assert.Equal(Unpatched, rec.State())

	assert.ErrorIs(rec.Restore(), ErrAlreadyUnpatched)
}

func TestInstall(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	rec, err := Install(greet, func(original func(string) string) func(string) string {
		return func(name string) string {
			return strings.ToUpper(original(name))
		}
	})
	require.NoError(err)
	t.Cleanup(func() { rec.Restore() })

	assert.Equal("HELLO GOPHER", greet("gopher"))
	assert.Equal("hello gopher", Original(greet)("gopher"))
	assert.Zero(rec.Stats())

	require.NoError(Restore(greet))
	assert.Equal("hello gopher", greet("gopher"))
}

func TestInstallInterceptorUsesPackage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	rec, err := Install(greet, func(original func(string) string) func(string) string {
		// greet isn't patched until this returns.
		assert.Equal(reflect.ValueOf(greet).Pointer(), reflect.ValueOf(Original(greet)).Pointer())

		_, err := Install(greet, func(o func(string) string) func(string) string { return o })
		assert.ErrorIs(err, ErrAlreadyPatched)

		return func(name string) string {
			return original("dear " + name)
		}
	})
	require.NoError(err)
	t.Cleanup(func() { rec.Restore() })

	assert.Equal("hello dear gopher", greet("gopher"))
}

func TestInstallInterceptorPanics(t *testing.T) {
	before := funcBytes(t, add)

	assert.PanicsWithValue(t, "boom", func() {
		Install(add, func(func(int, int) int) func(int, int) int { panic("boom") })
	})
	assert.Equal(t, before, funcBytes(t, add))

	// The target is free again.
	rec, err := Intercept(add, Passthrough)
	require.NoError(t, err)
	require.NoError(t, rec.Restore())
}

func TestInstallThunkInReach(t *testing.T) {
	rec, err := Intercept(add, Passthrough)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Restore() })

	target := rec.Target()
	thunk := addrOf(rec.thunk)
	assert.True(t, reachable(target.Address, target.Address+uintptr(target.Size), thunk, thunk+uintptr(len(rec.thunk))))
	assert.Equal(t, 3, add(1, 2))
}

func TestInstallAlreadyPatched(t *testing.T) {
	rec, err := Intercept(add, Passthrough)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Restore() })

	_, err = Intercept(add, Passthrough)
	assert.ErrorIs(t, err, ErrAlreadyPatched)
	assert.Equal(t, 3, add(1, 2))
}

func TestInstallBadInterceptor(t *testing.T) {
	before := funcBytes(t, add)

	_, err := Install(add, nil)
	assert.ErrorIs(t, err, ErrNotFunc)

	_, err = Install(add, func(func(int, int) int) func(int, int) int { return nil })
	assert.ErrorIs(t, err, ErrNotFunc)

	assert.Equal(t, before, funcBytes(t, add))
	assert.Equal(t, 3, add(1, 2))
}

func TestFunc(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("a", a())
	rec, err := Func(a, b)
	assert.NoError(err)
	assert.Equal("b", a())

	assert.Equal("a", Original(a)())

	assert.NoError(rec.Restore())
	assert.Equal("a", a())
}

func TestFunc_NotAFunction(t *testing.T) {
	t.Run("first arg not a function", func(t *testing.T) {
		_, err := Func("not a function", b)
		assert.ErrorIs(t, err, ErrNotFunc)
	})

	t.Run("second arg not a function", func(t *testing.T) {
		_, err := Func(a, 42)
		assert.ErrorIs(t, err, ErrNotFunc)
	})

	t.Run("both args not functions", func(t *testing.T) {
		_, err := Func([]int{1, 2, 3}, map[string]int{})
		assert.ErrorIs(t, err, ErrNotFunc)
	})

	t.Run("nil first arg", func(t *testing.T) {
		_, err := Func(nil, b)
		assert.ErrorIs(t, err, ErrNotFunc)
	})

	t.Run("nil second arg", func(t *testing.T) {
		_, err := Func(a, nil)
		assert.ErrorIs(t, err, ErrNotFunc)
	})
}

func TestFunc_SignatureMismatch(t *testing.T) {
	tests := []struct {
		name string
		fn1  any
		fn2  any
		diff string
	}{
		{
			name: "different number of inputs",
			fn1:  func(x int) int { return x },
			fn2:  func(x, y int) int { return x + y },
			diff: "argument 1: <nil> != int",
		},
		{
			name: "different number of outputs",
			fn1:  func() int { return 1 },
			fn2:  func() (int, error) { return 1, nil },
			diff: "output 1: <nil> != error",
		},
		{
			name: "different input types",
			fn1:  func(x int) int { return x },
			fn2:  func(x string) int { return len(x) },
			diff: "argument 0: int != string",
		},
		{
			name: "different output types",
			fn1:  func() int { return 1 },
			fn2:  func() string { return "" },
			diff: "output 0: int != string",
		},
		{
			name: "variadic",
			fn1:  func(x ...int) {},
			fn2:  func(x []int) {},
			diff: "variadic: true != false",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Func(tc.fn1, tc.fn2)
			assert.ErrorIs(t, err, ErrSignatureMismatch)
			assert.ErrorContains(t, err, tc.diff)
		})
	}
}

func TestOriginalNotInstalled(t *testing.T) {
	assert.Equal(t, reflect.ValueOf(add).Pointer(), reflect.ValueOf(Original(add)).Pointer())
	assert.Nil(t, Original[any](42))
}

func TestRestoreNotInstalled(t *testing.T) {
	assert.ErrorIs(t, Restore(add), ErrAlreadyUnpatched)
	assert.ErrorIs(t, Restore(42), ErrNotFunc)
}

func TestInterceptConcurrentCallers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}

	const callers = 8
	const calls = 10000

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var bad sync.Map

	// Callers run across install, so each one sees the old entry, the new
	// one, or both.
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
				}
				got := add(i, j)
				if got != i+j && got != i+j+5 {
					bad.Store(i, got)
				}
			}
		}()
	}

	rec, err := Intercept(add, PolicyFunc{
		When: func(args []reflect.Value) bool { return true },
		Rewrite: func(args []reflect.Value) []reflect.Value {
			args[0] = reflect.ValueOf(int(args[0].Int()) + 5)
			return args
		},
	})
	require.NoError(t, err)

	for rec.Stats().Calls < calls {
	}
	close(stop)
	wg.Wait()

	require.Zero(t, rec.Stats().InFlight)
	require.NoError(t, rec.Restore())

	bad.Range(func(k, v any) bool {
		t.Errorf("caller %v got %v", k, v)
		return true
	})
}
