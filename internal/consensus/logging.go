package consensus

import (
	"fmt"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"
)

// logger is shared by every type in this package, exactly as the teacher's
// consensus package refers to a single package-level `logger` from
// scope.go, scope_accept.go, manager_prepare.go, etc. The process wires a
// backend onto it at startup (cmd/epaxos-replica); tests get the default
// stderr backend at whatever level logging.SetLevel leaves it.
var logger = logging.MustGetLogger("consensus")

// statsInc and statsTiming mirror the teacher's Manager.statsInc /
// Manager.statsTiming (testing_mocks.go / manager_prepare.go call sites)
// so every phase transition below can cheaply emit a counter or timer
// without a nil check at each call site -- a Replica built via
// NewReplica always has a non-nil stats client (a no-op one by default).
func (r *Replica) statsInc(stat string, value int64) {
	if r.stats == nil {
		return
	}
	if err := r.stats.Inc(stat, value, 1.0); err != nil {
		logger.Debug("stats Inc error for %v: %v", stat, err)
	}
}

func (r *Replica) statsTiming(stat string, start time.Time) {
	if r.stats == nil {
		return
	}
	delta := int64(time.Since(start) / time.Millisecond)
	if err := r.stats.Timing(stat, delta, 1.0); err != nil {
		logger.Debug("stats Timing error for %v: %v", stat, err)
	}
}

func (r *Replica) debugSlotLog(s fmt.Stringer, format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf("[%v] %v: %v", r.id, s, fmt.Sprintf(format, args...)))
}

// NewNoopStatter returns a statsd.Statter that discards everything, used
// as the default so NewReplica never needs a live statsd daemon.
func NewNoopStatter() statsd.Statter {
	c, _ := statsd.NewNoopClient()
	return c
}
