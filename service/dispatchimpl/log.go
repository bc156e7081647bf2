package dispatchimpl

import (
	"github.com/meidoworks/nekodispatch/shared/logging"
)

var _dispatchLogger = logging.NewLogger("DispatchCore")

func LogInfo(v ...interface{}) {
	_dispatchLogger.Infoln(v...)
}

func LogWarn(v ...interface{}) {
	_dispatchLogger.Warnln(v...)
}

func LogError(v ...interface{}) {
	_dispatchLogger.Errorln(v...)
}

func LogDebug(v ...interface{}) {
	_dispatchLogger.Debugln(v...)
}
