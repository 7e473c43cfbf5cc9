package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f, restarting it after a panic until the restart
// budget is spent. A negative budget restarts forever; hitting zero is
// fatal so a permanently crashing job never spins silently. Restarts
// happen in place, so GoRecoverable returns only once f has completed
// without panicking. Callers own any goroutine bookkeeping; deferring
// it inside f would fire once per restart.
func GoRecoverable(restartsLeft int, id string, f func()) {
	for {
		if runRecoverable(id, f) {
			return
		}
		if restartsLeft == 0 {
			log.WithField("job", id).Fatal("restart budget exhausted")
		}
		if restartsLeft > 0 {
			restartsLeft--
		}
	}
}

// runRecoverable reports whether f returned without panicking.
func runRecoverable(id string, f func()) (completed bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.WithFields(log.Fields{
			"job":   id,
			"panic": r,
			"at":    panicOrigin(),
		}).Error("job panicked")
	}()
	f()
	return true
}

// panicOrigin walks the stack past the runtime frames to the frame
// that actually panicked.
func panicOrigin() string {
	var pc [16]uintptr
	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		name := fn.Name()
		if strings.HasPrefix(name, "runtime.") {
			continue
		}
		_, line := fn.FileLine(pc)
		return fmt.Sprintf("%s:%d", name, line)
	}
	return "unknown"
}
