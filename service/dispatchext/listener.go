package dispatchext

import (
	"sync"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/logging"
	"github.com/meidoworks/nekodispatch/shared/utils"
)

var _queueLogger = logging.NewLogger("DispatchQueue")

// sizeListeners keeps a copy-on-write listener slice.
// fire must be called without holding the queue lock.
type sizeListeners struct {
	lock      sync.Mutex
	listeners []dispatchapi.QueueSizeListener
}

func (s *sizeListeners) add(l dispatchapi.QueueSizeListener) error {
	if l == nil {
		return dispatchapi.IllegalArgument("nil queue size listener")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, v := range s.listeners {
		if v == l {
			return nil
		}
	}
	s.listeners = utils.CopyAppendSlice(s.listeners, l)
	return nil
}

func (s *sizeListeners) remove(l dispatchapi.QueueSizeListener) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.listeners, _ = utils.CopyRemoveSlice(s.listeners, func(v dispatchapi.QueueSizeListener) bool {
		return v == l
	})
	return nil
}

func (s *sizeListeners) fire(q dispatchapi.Queue, numEntries, numBytes int64, isShutdown bool) {
	s.lock.Lock()
	listeners := s.listeners
	s.lock.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if err := recover(); err != nil {
					_queueLogger.Errorf("queue [%s] size listener panic: %v", q.StorageId(), err)
				}
			}()
			l.Changed(q, numEntries, numBytes, isShutdown)
		}()
	}
}

// peekSorted applies the peek limits to entries already in delivery order.
// The first entry is always taken even when it alone exceeds maxBytes.
func peekSorted(entries []*dispatchapi.MsgUnitWrapper, maxEntries int, maxBytes int64) []*dispatchapi.MsgUnitWrapper {
	if maxEntries == 0 || len(entries) == 0 {
		return nil
	}
	var result []*dispatchapi.MsgUnitWrapper
	var countBytes int64
	for _, e := range entries {
		if maxEntries > 0 && len(result) >= maxEntries {
			break
		}
		size := e.SizeInBytes()
		if maxBytes > -1 && len(result) > 0 && countBytes+size >= maxBytes {
			break
		}
		countBytes += size
		result = append(result, e)
	}
	return result
}

func checkCapacity(property dispatchapi.QueueProperty, curEntries, curBytes int64, adding []*dispatchapi.MsgUnitWrapper) error {
	var addBytes int64
	for _, e := range adding {
		addBytes += e.SizeInBytes()
	}
	if property.MaxEntries > 0 && curEntries+int64(len(adding)) > property.MaxEntries {
		return dispatchapi.ErrQueueOverflow
	}
	if property.MaxBytes > 0 && curBytes+addBytes > property.MaxBytes {
		return dispatchapi.ErrQueueOverflow
	}
	return nil
}
