package debuglog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// EnvDebug turns on debug output when set to "1".
const EnvDebug = "FLYSAFE_DEBUG"

var (
	once    sync.Once
	base    *logrus.Logger
	rlMu    sync.Mutex
	rlLimit = make(map[string]*limiterEntry)
	rlSweep = time.Now()
)

type limiterEntry struct {
	lim  *rate.Limiter
	last time.Time
}

func enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

// Logger returns the process logger.
func Logger() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableQuote: true})
		if enabled() {
			base.SetLevel(logrus.DebugLevel)
		} else {
			base.SetLevel(logrus.InfoLevel)
		}
	})
	return base
}

// SetOutput redirects the process logger; tests use io.Discard.
func SetOutput(w io.Writer) {
	Logger().SetOutput(w)
}

func SetDebug(on bool) {
	if on {
		Logger().SetLevel(logrus.DebugLevel)
		return
	}
	Logger().SetLevel(logrus.InfoLevel)
}

func Enabled() bool {
	return Logger().IsLevelEnabled(logrus.DebugLevel)
}

func WithFields(f logrus.Fields) *logrus.Entry {
	return Logger().WithFields(f)
}

func Logf(format string, args ...any) {
	Logger().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	Logger().Warnf(format, args...)
}

func Debugf(format string, args ...any) {
	Logger().Debugf(format, args...)
}

// Allow reports whether an event under key may be logged now; at most one
// per interval passes.
func Allow(key string, interval time.Duration) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	rlMu.Lock()
	defer rlMu.Unlock()
	e, ok := rlLimit[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Every(interval), 1)}
		rlLimit[key] = e
	}
	e.last = now
	if now.Sub(rlSweep) > 2*interval {
		for k, v := range rlLimit {
			if now.Sub(v.last) > 4*interval {
				delete(rlLimit, k)
			}
		}
		rlSweep = now
	}
	return e.lim.AllowN(now, 1)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || !Allow(key, interval) {
		return
	}
	Debugf(format, args...)
}
