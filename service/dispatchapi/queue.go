package dispatchapi

// QueueSizeListener is notified after a queue changed.
// Implementations must not call back into a queue lock they may hold.
type QueueSizeListener interface {
	Changed(queue Queue, numEntries int64, numBytes int64, isShutdown bool)
}

// Queue is the read and remove view the query plugin needs.
type Queue interface {
	StorageId() string
	// Peek returns up to maxEntries entries in delivery order without removing them.
	// The entries are also bounded by maxBytes but at least one entry is returned when available.
	// -1 means unlimited for both.
	Peek(maxEntries int, maxBytes int64) ([]*MsgUnitWrapper, error)
	NumOfEntries() int64
	NumOfBytes() int64
	// RemoveRandom removes the given entries wherever they are, returns how many were found.
	RemoveRandom(entries []*MsgUnitWrapper) (int, error)
	IsShutdown() bool

	AddQueueSizeListener(l QueueSizeListener) error
	RemoveQueueSizeListener(l QueueSizeListener) error
}

type StorageQueue interface {
	Queue

	Put(entries ...*MsgUnitWrapper) error
	Clear() (int, error)
	// RemoveExpired drops entries expired at nowMillis, returns the removed ones.
	RemoveExpired(nowMillis int64) ([]*MsgUnitWrapper, error)
	// NextExpiry is the smallest expiry timestamp in the queue, 0 when nothing expires.
	NextExpiry() int64
	Shutdown() error
}

type QueueFactory func(storageId string, property *QueueProperty) (StorageQueue, error)
