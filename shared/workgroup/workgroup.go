package workgroup

import (
	"github.com/meidoworks/nekodispatch/shared/logging"
)

var _workgroupLogger = logging.NewLogger("WorkGroup")

type workGroup interface {
	// Run starts fn in a new goroutine and restarts it until fn reports true.
	// A panic in fn is logged and counted as "not finished".
	Run(fn func() bool)
}

var defaultFailOverWorkGroup = failOverWorkGroup{name: "default"}

type failOverWorkGroup struct {
	name string
}

func (f failOverWorkGroup) Run(fn func() bool) {
	go func() {
		for {
			if f.runOnce(fn) {
				return
			}
			_workgroupLogger.Infof("WorkGroup [%s] restarting task after last run", f.name)
		}
	}()
}

func (f failOverWorkGroup) runOnce(fn func() bool) (finished bool) {
	defer func() {
		if err := recover(); err != nil {
			_workgroupLogger.Errorf("WorkGroup [%s] will restart task after reporting panic: %v", f.name, err)
			finished = false
		}
	}()
	return fn()
}

func WithFailOver() workGroup {
	return defaultFailOverWorkGroup
}

// Named is WithFailOver with a name used in restart logs.
func Named(name string) workGroup {
	return failOverWorkGroup{name: name}
}
