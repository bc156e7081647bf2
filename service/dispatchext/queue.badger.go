package dispatchext

import (
	"fmt"
	"sync"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/idgen"
	"github.com/meidoworks/nekodispatch/shared/logging"
	"github.com/meidoworks/nekodispatch/shared/priorityqueue"

	"github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

var _badgerQueueLogger = logging.NewLogger("BadgerQueue")

var _ dispatchapi.StorageQueue = new(BadgerQueue)

// OpenBadger opens the store shared by all badger queues of a process.
func OpenBadger(dir string, inMemory bool) (*badger.DB, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(_badgerQueueLogger)
	return badger.Open(opts)
}

// NewBadgerQueueFactory returns a factory creating queues inside db.
// A queue reopened with the same storage id sees the entries persisted before.
func NewBadgerQueueFactory(db *badger.DB) dispatchapi.QueueFactory {
	return func(storageId string, property *dispatchapi.QueueProperty) (dispatchapi.StorageQueue, error) {
		return NewBadgerQueue(db, storageId, property)
	}
}

// key layout: "q/" + storageId + "/" + (MaxPriority-priority) + 16 bytes id
type BadgerQueue struct {
	db        *badger.DB
	storageId string
	prefix    []byte
	property  dispatchapi.QueueProperty

	basicLock sync.Mutex
	index     map[dispatchapi.MsgId]*badgerEntryMeta
	numBytes  int64
	expiry    *priorityqueue.PriorityQueue[dispatchapi.MsgId]
	shutdown  bool

	listeners sizeListeners
}

type badgerEntryMeta struct {
	key        []byte
	size       int64
	expiresAt  int64
	expiryItem *priorityqueue.Item[dispatchapi.MsgId]
}

type badgerRecord struct {
	UniqueId       dispatchapi.MsgId          `cbor:"1,keyasint"`
	SubscriptionId dispatchapi.SubscriptionId `cbor:"2,keyasint"`
	Receiver       dispatchapi.SessionName    `cbor:"3,keyasint"`
	KeyOid         string                     `cbor:"4,keyasint"`
	Content        []byte                     `cbor:"5,keyasint"`
	Qos            *dispatchapi.MsgQos        `cbor:"6,keyasint"`
}

func NewBadgerQueue(db *badger.DB, storageId string, property *dispatchapi.QueueProperty) (*BadgerQueue, error) {
	q := &BadgerQueue{
		db:        db,
		storageId: storageId,
		prefix:    []byte("q/" + storageId + "/"),
		index:     make(map[dispatchapi.MsgId]*badgerEntryMeta),
		expiry:    priorityqueue.NewMinPriorityQueue[dispatchapi.MsgId](),
	}
	if property != nil {
		q.property = *property
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (b *BadgerQueue) load() error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var w *dispatchapi.MsgUnitWrapper
			if err := item.Value(func(val []byte) error {
				var err error
				w, err = decodeRecord(val)
				return err
			}); err != nil {
				return fmt.Errorf("load queue %s: %w", b.storageId, err)
			}
			b.track(item.KeyCopy(nil), w)
		}
		return nil
	})
}

func (b *BadgerQueue) track(key []byte, w *dispatchapi.MsgUnitWrapper) {
	meta := &badgerEntryMeta{key: key, size: w.SizeInBytes(), expiresAt: w.MsgUnit.Qos.ExpiresAt()}
	if meta.expiresAt > 0 {
		meta.expiryItem = b.expiry.Push(w.UniqueId, meta.expiresAt)
	}
	b.index[w.UniqueId] = meta
	b.numBytes += meta.size
}

func (b *BadgerQueue) untrack(id dispatchapi.MsgId) *badgerEntryMeta {
	meta, ok := b.index[id]
	if !ok {
		return nil
	}
	delete(b.index, id)
	b.expiry.Remove(meta.expiryItem)
	b.numBytes -= meta.size
	return meta
}

func (b *BadgerQueue) entryKey(w *dispatchapi.MsgUnitWrapper) []byte {
	key := make([]byte, 0, len(b.prefix)+17)
	key = append(key, b.prefix...)
	key = append(key, byte(dispatchapi.MaxPriority-clampPriority(w.Priority())))
	return append(key, idgen.IdType(w.UniqueId).Bytes()...)
}

func clampPriority(p int) int {
	if p < dispatchapi.MinPriority {
		return dispatchapi.MinPriority
	}
	if p > dispatchapi.MaxPriority {
		return dispatchapi.MaxPriority
	}
	return p
}

func encodeRecord(w *dispatchapi.MsgUnitWrapper) ([]byte, error) {
	return cbor.Marshal(&badgerRecord{
		UniqueId:       w.UniqueId,
		SubscriptionId: w.SubscriptionId,
		Receiver:       w.Receiver,
		KeyOid:         w.MsgUnit.KeyOid,
		Content:        snappy.Encode(nil, w.MsgUnit.Content),
		Qos:            w.MsgUnit.Qos,
	})
}

func decodeRecord(data []byte) (*dispatchapi.MsgUnitWrapper, error) {
	rec := new(badgerRecord)
	if err := cbor.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	content, err := snappy.Decode(nil, rec.Content)
	if err != nil {
		return nil, err
	}
	return &dispatchapi.MsgUnitWrapper{
		UniqueId:       rec.UniqueId,
		SubscriptionId: rec.SubscriptionId,
		Receiver:       rec.Receiver,
		MsgUnit: &dispatchapi.MsgUnit{
			KeyOid:  rec.KeyOid,
			Content: content,
			Qos:     rec.Qos,
		},
	}, nil
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (b *BadgerQueue) update(fn func(txn *badger.Txn) error) error {
	for {
		err := func() error {
			txn := b.db.NewTransaction(true)
			defer txn.Discard()
			if err := fn(txn); err != nil {
				return err
			}
			return txn.Commit()
		}()
		if err == badger.ErrConflict {
			continue
		}
		return err
	}
}

func (b *BadgerQueue) StorageId() string {
	return b.storageId
}

func (b *BadgerQueue) Put(entries ...*dispatchapi.MsgUnitWrapper) error {
	if len(entries) == 0 {
		return nil
	}
	b.basicLock.Lock()
	if b.shutdown {
		b.basicLock.Unlock()
		return dispatchapi.ErrQueueShutdown
	}
	if err := checkCapacity(b.property, int64(len(b.index)), b.numBytes, entries); err != nil {
		b.basicLock.Unlock()
		return fmt.Errorf("queue %s: %w", b.storageId, err)
	}
	keys := make([][]byte, len(entries))
	err := b.update(func(txn *badger.Txn) error {
		for i, e := range entries {
			if e == nil || e.MsgUnit == nil {
				return dispatchapi.IllegalArgument("nil entry put into queue %s", b.storageId)
			}
			if _, ok := b.index[e.UniqueId]; ok {
				return dispatchapi.IllegalArgument("entry %s already in queue %s", e.UniqueId, b.storageId)
			}
			data, err := encodeRecord(e)
			if err != nil {
				return err
			}
			keys[i] = b.entryKey(e)
			if err := txn.Set(keys[i], data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.basicLock.Unlock()
		return err
	}
	for i, e := range entries {
		b.track(keys[i], e)
	}
	n, nb := int64(len(b.index)), b.numBytes
	b.basicLock.Unlock()

	b.listeners.fire(b, n, nb, false)
	return nil
}

func (b *BadgerQueue) Peek(maxEntries int, maxBytes int64) ([]*dispatchapi.MsgUnitWrapper, error) {
	if maxEntries == 0 {
		return nil, nil
	}
	b.basicLock.Lock()
	defer b.basicLock.Unlock()

	var result []*dispatchapi.MsgUnitWrapper
	var countBytes int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if maxEntries > 0 && len(result) >= maxEntries {
				return nil
			}
			item := it.Item()
			var w *dispatchapi.MsgUnitWrapper
			if err := item.Value(func(val []byte) error {
				var err error
				w, err = decodeRecord(val)
				return err
			}); err != nil {
				return err
			}
			size := w.SizeInBytes()
			if maxBytes > -1 && len(result) > 0 && countBytes+size >= maxBytes {
				return nil
			}
			countBytes += size
			result = append(result, w)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("peek queue %s: %w", b.storageId, err)
	}
	return result, nil
}

func (b *BadgerQueue) NumOfEntries() int64 {
	b.basicLock.Lock()
	defer b.basicLock.Unlock()
	return int64(len(b.index))
}

func (b *BadgerQueue) NumOfBytes() int64 {
	b.basicLock.Lock()
	defer b.basicLock.Unlock()
	return b.numBytes
}

func (b *BadgerQueue) RemoveRandom(entries []*dispatchapi.MsgUnitWrapper) (int, error) {
	ids := make([]dispatchapi.MsgId, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			ids = append(ids, e.UniqueId)
		}
	}
	return b.removeIds(ids)
}

func (b *BadgerQueue) removeIds(ids []dispatchapi.MsgId) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	b.basicLock.Lock()
	var found []dispatchapi.MsgId
	err := b.update(func(txn *badger.Txn) error {
		found = found[:0]
		for _, id := range ids {
			meta, ok := b.index[id]
			if !ok {
				continue
			}
			if err := txn.Delete(meta.key); err != nil {
				return err
			}
			found = append(found, id)
		}
		return nil
	})
	if err != nil {
		b.basicLock.Unlock()
		return 0, fmt.Errorf("remove from queue %s: %w", b.storageId, err)
	}
	for _, id := range found {
		b.untrack(id)
	}
	n, nb := int64(len(b.index)), b.numBytes
	b.basicLock.Unlock()

	if len(found) > 0 {
		b.listeners.fire(b, n, nb, false)
	}
	return len(found), nil
}

func (b *BadgerQueue) RemoveExpired(nowMillis int64) ([]*dispatchapi.MsgUnitWrapper, error) {
	b.basicLock.Lock()
	var due []dispatchapi.MsgId
	for top := b.expiry.Peek(); top != nil && top.Priority() <= nowMillis; top = b.expiry.Peek() {
		b.expiry.Pop()
		if meta, ok := b.index[top.Value()]; ok {
			meta.expiryItem = nil
			due = append(due, top.Value())
		}
	}
	if len(due) == 0 {
		b.basicLock.Unlock()
		return nil, nil
	}

	var removed []*dispatchapi.MsgUnitWrapper
	err := b.update(func(txn *badger.Txn) error {
		removed = removed[:0]
		for _, id := range due {
			key := b.index[id].key
			item, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				continue
			} else if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				w, err := decodeRecord(val)
				if err == nil {
					removed = append(removed, w)
				}
				return err
			}); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// keep tracking so the next sweep retries
		for _, id := range due {
			meta := b.index[id]
			meta.expiryItem = b.expiry.Push(id, meta.expiresAt)
		}
		b.basicLock.Unlock()
		return nil, fmt.Errorf("expire queue %s: %w", b.storageId, err)
	}
	for _, id := range due {
		b.untrack(id)
	}
	n, nb := int64(len(b.index)), b.numBytes
	b.basicLock.Unlock()

	b.listeners.fire(b, n, nb, false)
	return removed, nil
}

func (b *BadgerQueue) NextExpiry() int64 {
	b.basicLock.Lock()
	defer b.basicLock.Unlock()
	if top := b.expiry.Peek(); top != nil {
		return top.Priority()
	}
	return 0
}

func (b *BadgerQueue) Clear() (int, error) {
	b.basicLock.Lock()
	cnt := len(b.index)
	if err := b.db.DropPrefix(b.prefix); err != nil {
		b.basicLock.Unlock()
		return 0, fmt.Errorf("clear queue %s: %w", b.storageId, err)
	}
	b.index = make(map[dispatchapi.MsgId]*badgerEntryMeta)
	b.expiry = priorityqueue.NewMinPriorityQueue[dispatchapi.MsgId]()
	b.numBytes = 0
	b.basicLock.Unlock()

	if cnt > 0 {
		b.listeners.fire(b, 0, 0, false)
	}
	return cnt, nil
}

func (b *BadgerQueue) IsShutdown() bool {
	b.basicLock.Lock()
	defer b.basicLock.Unlock()
	return b.shutdown
}

// Shutdown stops accepting entries. Persisted entries stay in the store.
func (b *BadgerQueue) Shutdown() error {
	b.basicLock.Lock()
	if b.shutdown {
		b.basicLock.Unlock()
		return nil
	}
	b.shutdown = true
	n, nb := int64(len(b.index)), b.numBytes
	b.basicLock.Unlock()

	b.listeners.fire(b, n, nb, true)
	return nil
}

func (b *BadgerQueue) AddQueueSizeListener(l dispatchapi.QueueSizeListener) error {
	return b.listeners.add(l)
}

func (b *BadgerQueue) RemoveQueueSizeListener(l dispatchapi.QueueSizeListener) error {
	return b.listeners.remove(l)
}
