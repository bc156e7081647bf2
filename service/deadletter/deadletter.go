package deadletter

import (
	"context"
	"errors"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/logging"
)

const (
	StorageTypeLog      = "log"
	StorageTypePostgres = "postgres"
)

var _deadLetterLogger = logging.NewLogger("DeadLetter")

var ErrUnsupportedStorageType = errors.New("unsupported dead letter storage type")

type Option struct {
	StorageType string
	// Sources and Replicas are postgres DSNs, the first source is opened directly.
	Sources  []string
	Replicas []string
}

// NewSink creates the dead letter sink of the configured storage type.
func NewSink(option *Option) (dispatchapi.DeadLetterSink, error) {
	switch option.StorageType {
	case "", StorageTypeLog:
		return new(LogSink), nil
	case StorageTypePostgres:
		return NewGormSink(option)
	default:
		return nil, ErrUnsupportedStorageType
	}
}

var _ dispatchapi.DeadLetterSink = new(LogSink)

// LogSink only writes dead letters to the log.
type LogSink struct {
}

func (l *LogSink) DeadMessage(ctx context.Context, receiver dispatchapi.SessionName, entries []*dispatchapi.MsgUnitWrapper, reason string) error {
	for _, e := range entries {
		if e == nil || e.MsgUnit == nil {
			continue
		}
		_deadLetterLogger.Warnf("dead letter for [%s] topic [%s] id %s size %d: %s",
			receiver, e.MsgUnit.KeyOid, e.UniqueId, e.SizeInBytes(), reason)
	}
	return nil
}
