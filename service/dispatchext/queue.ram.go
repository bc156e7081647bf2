package dispatchext

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/priorityqueue"
)

var _ dispatchapi.StorageQueue = new(RamQueue)

// RamQueue keeps entries in delivery order: priority descending, then arrival.
type RamQueue struct {
	storageId string
	property  dispatchapi.QueueProperty

	basicLock sync.Mutex
	entries   []*dispatchapi.MsgUnitWrapper
	byId      map[dispatchapi.MsgId]*ramEntry
	numBytes  int64
	expiry    *priorityqueue.PriorityQueue[dispatchapi.MsgId]
	shutdown  bool

	listeners sizeListeners
}

type ramEntry struct {
	wrapper    *dispatchapi.MsgUnitWrapper
	expiryItem *priorityqueue.Item[dispatchapi.MsgId]
}

func NewRamQueue(storageId string, property *dispatchapi.QueueProperty) (dispatchapi.StorageQueue, error) {
	q := &RamQueue{
		storageId: storageId,
		byId:      make(map[dispatchapi.MsgId]*ramEntry),
		expiry:    priorityqueue.NewMinPriorityQueue[dispatchapi.MsgId](),
	}
	if property != nil {
		q.property = *property
	}
	return q, nil
}

func (r *RamQueue) StorageId() string {
	return r.storageId
}

func (r *RamQueue) Put(entries ...*dispatchapi.MsgUnitWrapper) error {
	if len(entries) == 0 {
		return nil
	}
	r.basicLock.Lock()
	if r.shutdown {
		r.basicLock.Unlock()
		return dispatchapi.ErrQueueShutdown
	}
	for _, e := range entries {
		if e == nil || e.MsgUnit == nil {
			r.basicLock.Unlock()
			return dispatchapi.IllegalArgument("nil entry put into queue %s", r.storageId)
		}
		if _, ok := r.byId[e.UniqueId]; ok {
			r.basicLock.Unlock()
			return dispatchapi.IllegalArgument("entry %s already in queue %s", e.UniqueId, r.storageId)
		}
	}
	if err := checkCapacity(r.property, int64(len(r.entries)), r.numBytes, entries); err != nil {
		r.basicLock.Unlock()
		return fmt.Errorf("queue %s: %w", r.storageId, err)
	}
	for _, e := range entries {
		idx := sort.Search(len(r.entries), func(i int) bool {
			return e.Less(r.entries[i])
		})
		r.entries = append(r.entries, nil)
		copy(r.entries[idx+1:], r.entries[idx:])
		r.entries[idx] = e

		re := &ramEntry{wrapper: e}
		if exp := e.MsgUnit.Qos.ExpiresAt(); exp > 0 {
			re.expiryItem = r.expiry.Push(e.UniqueId, exp)
		}
		r.byId[e.UniqueId] = re
		r.numBytes += e.SizeInBytes()
	}
	n, b := int64(len(r.entries)), r.numBytes
	r.basicLock.Unlock()

	r.listeners.fire(r, n, b, false)
	return nil
}

func (r *RamQueue) Peek(maxEntries int, maxBytes int64) ([]*dispatchapi.MsgUnitWrapper, error) {
	r.basicLock.Lock()
	defer r.basicLock.Unlock()
	return peekSorted(r.entries, maxEntries, maxBytes), nil
}

func (r *RamQueue) NumOfEntries() int64 {
	r.basicLock.Lock()
	defer r.basicLock.Unlock()
	return int64(len(r.entries))
}

func (r *RamQueue) NumOfBytes() int64 {
	r.basicLock.Lock()
	defer r.basicLock.Unlock()
	return r.numBytes
}

func (r *RamQueue) RemoveRandom(entries []*dispatchapi.MsgUnitWrapper) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	r.basicLock.Lock()
	cnt := 0
	for _, e := range entries {
		if e != nil && r.removeLocked(e.UniqueId) {
			cnt++
		}
	}
	n, b := int64(len(r.entries)), r.numBytes
	r.basicLock.Unlock()

	if cnt > 0 {
		r.listeners.fire(r, n, b, false)
	}
	return cnt, nil
}

func (r *RamQueue) removeLocked(id dispatchapi.MsgId) bool {
	re, ok := r.byId[id]
	if !ok {
		return false
	}
	delete(r.byId, id)
	r.expiry.Remove(re.expiryItem)

	w := re.wrapper
	idx := sort.Search(len(r.entries), func(i int) bool {
		return !r.entries[i].Less(w)
	})
	for ; idx < len(r.entries); idx++ {
		if r.entries[idx].UniqueId == id {
			break
		}
	}
	if idx < len(r.entries) {
		copy(r.entries[idx:], r.entries[idx+1:])
		r.entries[len(r.entries)-1] = nil
		r.entries = r.entries[:len(r.entries)-1]
	}
	r.numBytes -= w.SizeInBytes()
	return true
}

func (r *RamQueue) RemoveExpired(nowMillis int64) ([]*dispatchapi.MsgUnitWrapper, error) {
	r.basicLock.Lock()
	var removed []*dispatchapi.MsgUnitWrapper
	for {
		top := r.expiry.Peek()
		if top == nil || top.Priority() > nowMillis {
			break
		}
		id := top.Value()
		if re, ok := r.byId[id]; ok {
			removed = append(removed, re.wrapper)
			r.removeLocked(id)
		} else {
			r.expiry.Remove(top)
		}
	}
	n, b := int64(len(r.entries)), r.numBytes
	r.basicLock.Unlock()

	if len(removed) > 0 {
		r.listeners.fire(r, n, b, false)
	}
	return removed, nil
}

func (r *RamQueue) NextExpiry() int64 {
	r.basicLock.Lock()
	defer r.basicLock.Unlock()
	if top := r.expiry.Peek(); top != nil {
		return top.Priority()
	}
	return 0
}

func (r *RamQueue) Clear() (int, error) {
	r.basicLock.Lock()
	cnt := len(r.entries)
	r.entries = nil
	r.byId = make(map[dispatchapi.MsgId]*ramEntry)
	r.expiry = priorityqueue.NewMinPriorityQueue[dispatchapi.MsgId]()
	r.numBytes = 0
	r.basicLock.Unlock()

	if cnt > 0 {
		r.listeners.fire(r, 0, 0, false)
	}
	return cnt, nil
}

func (r *RamQueue) IsShutdown() bool {
	r.basicLock.Lock()
	defer r.basicLock.Unlock()
	return r.shutdown
}

func (r *RamQueue) Shutdown() error {
	r.basicLock.Lock()
	if r.shutdown {
		r.basicLock.Unlock()
		return nil
	}
	r.shutdown = true
	n, b := int64(len(r.entries)), r.numBytes
	r.basicLock.Unlock()

	r.listeners.fire(r, n, b, true)
	return nil
}

func (r *RamQueue) AddQueueSizeListener(l dispatchapi.QueueSizeListener) error {
	return r.listeners.add(l)
}

func (r *RamQueue) RemoveQueueSizeListener(l dispatchapi.QueueSizeListener) error {
	return r.listeners.remove(l)
}
