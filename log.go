package detour

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	defaultLogger.Store(zap.NewNop())
}

// SetLogger sets the logger used by interceptions that are not given one
// with WithLogger. Passing nil disables logging.
//
// Avoid debug level while intercepting anything the logger calls (time.Now,
// for instance). Each logged call re-enters the interceptor.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	defaultLogger.Store(l)
}

func logger() *zap.Logger {
	return defaultLogger.Load()
}

func addrField(addr uintptr) zap.Field {
	return zap.Uintptr("addr", addr)
}
