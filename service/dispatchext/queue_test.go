package dispatchext

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/idgen"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/require"
)

var testIdGen = idgen.NewIdGen(1, 1)

func newEntry(t testing.TB, priority int, content string) *dispatchapi.MsgUnitWrapper {
	id, err := testIdGen.Next()
	if err != nil {
		t.Fatal(err)
	}
	return &dispatchapi.MsgUnitWrapper{
		UniqueId: dispatchapi.MsgId(id),
		MsgUnit: &dispatchapi.MsgUnit{
			KeyOid:  "hello",
			Content: []byte(content),
			Qos:     &dispatchapi.MsgQos{Priority: priority, RcvTimestamp: 1000},
		},
	}
}

type recordingListener struct {
	lock     sync.Mutex
	calls    int
	last     int64
	shutdown bool
}

func (r *recordingListener) Changed(queue dispatchapi.Queue, numEntries int64, numBytes int64, isShutdown bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls++
	r.last = numEntries
	r.shutdown = r.shutdown || isShutdown
}

func openTestBadger(t *testing.T) *badger.DB {
	db, err := OpenBadger("", true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func queueImplementations(t *testing.T) map[string]func(property *dispatchapi.QueueProperty) dispatchapi.StorageQueue {
	db := openTestBadger(t)
	seq := 0
	return map[string]func(property *dispatchapi.QueueProperty) dispatchapi.StorageQueue{
		"ram": func(property *dispatchapi.QueueProperty) dispatchapi.StorageQueue {
			q, err := NewRamQueue("test", property)
			require.NoError(t, err)
			return q
		},
		"badger": func(property *dispatchapi.QueueProperty) dispatchapi.StorageQueue {
			seq++
			q, err := NewBadgerQueue(db, fmt.Sprint("test", seq), property)
			require.NoError(t, err)
			return q
		},
	}
}

func TestQueueOrderingAndPeek(t *testing.T) {
	for name, factory := range queueImplementations(t) {
		t.Run(name, func(t *testing.T) {
			q := factory(nil)
			low := newEntry(t, 1, "low")
			norm1 := newEntry(t, 5, "norm1")
			high := newEntry(t, 9, "high")
			norm2 := newEntry(t, 5, "norm2")
			require.NoError(t, q.Put(low, norm1))
			require.NoError(t, q.Put(high, norm2))

			all, err := q.Peek(-1, -1)
			require.NoError(t, err)
			require.Len(t, all, 4)
			var order []string
			for _, e := range all {
				order = append(order, string(e.MsgUnit.Content))
			}
			require.Equal(t, []string{"high", "norm1", "norm2", "low"}, order)

			two, err := q.Peek(2, -1)
			require.NoError(t, err)
			require.Len(t, two, 2)

			none, err := q.Peek(0, -1)
			require.NoError(t, err)
			require.Empty(t, none)

			require.Equal(t, int64(4), q.NumOfEntries())
			require.Equal(t, low.SizeInBytes()+norm1.SizeInBytes()+high.SizeInBytes()+norm2.SizeInBytes(), q.NumOfBytes())
		})
	}
}

func TestQueuePeekByteLimit(t *testing.T) {
	for name, factory := range queueImplementations(t) {
		t.Run(name, func(t *testing.T) {
			q := factory(nil)
			a := newEntry(t, 5, "aaaa")
			b := newEntry(t, 5, "bbbb")
			require.NoError(t, q.Put(a, b))

			// first entry is returned even when it alone exceeds the limit
			one, err := q.Peek(-1, 1)
			require.NoError(t, err)
			require.Len(t, one, 1)

			// reaching the limit exactly stops before the entry
			exact, err := q.Peek(-1, a.SizeInBytes()+b.SizeInBytes())
			require.NoError(t, err)
			require.Len(t, exact, 1)

			both, err := q.Peek(-1, a.SizeInBytes()+b.SizeInBytes()+1)
			require.NoError(t, err)
			require.Len(t, both, 2)
		})
	}
}

func TestQueueRemoveAndListeners(t *testing.T) {
	for name, factory := range queueImplementations(t) {
		t.Run(name, func(t *testing.T) {
			q := factory(nil)
			l := new(recordingListener)
			require.NoError(t, q.AddQueueSizeListener(l))
			require.NoError(t, q.AddQueueSizeListener(l))

			a := newEntry(t, 5, "a")
			b := newEntry(t, 5, "b")
			require.NoError(t, q.Put(a, b))
			require.Equal(t, 1, l.calls)
			require.Equal(t, int64(2), l.last)

			cnt, err := q.RemoveRandom([]*dispatchapi.MsgUnitWrapper{a, newEntry(t, 5, "missing")})
			require.NoError(t, err)
			require.Equal(t, 1, cnt)
			require.Equal(t, int64(1), l.last)
			require.Equal(t, b.SizeInBytes(), q.NumOfBytes())

			require.NoError(t, q.RemoveQueueSizeListener(l))
			_, err = q.Clear()
			require.NoError(t, err)
			require.Equal(t, 2, l.calls)
			require.Equal(t, int64(0), q.NumOfEntries())

			require.NoError(t, q.AddQueueSizeListener(l))
			require.NoError(t, q.Shutdown())
			require.NoError(t, q.Shutdown())
			require.True(t, l.shutdown)
			require.True(t, q.IsShutdown())
			require.True(t, errors.Is(q.Put(newEntry(t, 5, "late")), dispatchapi.ErrQueueShutdown))
		})
	}
}

func TestQueueCapacity(t *testing.T) {
	for name, factory := range queueImplementations(t) {
		t.Run(name, func(t *testing.T) {
			q := factory(&dispatchapi.QueueProperty{MaxEntries: 1})
			require.NoError(t, q.Put(newEntry(t, 5, "a")))
			err := q.Put(newEntry(t, 5, "b"))
			require.True(t, errors.Is(err, dispatchapi.ErrQueueOverflow), "got %v", err)
		})
	}
}

func TestQueueExpiry(t *testing.T) {
	for name, factory := range queueImplementations(t) {
		t.Run(name, func(t *testing.T) {
			q := factory(nil)
			short := newEntry(t, 5, "short")
			short.MsgUnit.Qos.LifeTime = 100
			long := newEntry(t, 5, "long")
			long.MsgUnit.Qos.LifeTime = 10000
			forever := newEntry(t, 5, "forever")
			require.NoError(t, q.Put(short, long, forever))
			require.Equal(t, int64(1100), q.NextExpiry())

			removed, err := q.RemoveExpired(1100)
			require.NoError(t, err)
			require.Len(t, removed, 1)
			require.Equal(t, "short", string(removed[0].MsgUnit.Content))
			require.Equal(t, int64(2), q.NumOfEntries())
			require.Equal(t, int64(11000), q.NextExpiry())

			removed, err = q.RemoveExpired(1 << 50)
			require.NoError(t, err)
			require.Len(t, removed, 1)
			require.Equal(t, int64(0), q.NextExpiry())
		})
	}
}

func TestBadgerQueueReload(t *testing.T) {
	db := openTestBadger(t)
	q, err := NewBadgerQueue(db, "reload", nil)
	require.NoError(t, err)
	e := newEntry(t, 7, "persisted")
	e.SubscriptionId = dispatchapi.SubscriptionId{3, 4}
	e.Receiver = "client/joe/session/1"
	e.MsgUnit.Qos.SetClientProperty("k", "v")
	require.NoError(t, q.Put(e))

	reopened, err := NewBadgerQueue(db, "reload", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), reopened.NumOfEntries())
	entries, err := reopened.Peek(-1, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	require.Equal(t, e.UniqueId, got.UniqueId)
	require.Equal(t, e.SubscriptionId, got.SubscriptionId)
	require.Equal(t, e.Receiver, got.Receiver)
	require.Equal(t, "persisted", string(got.MsgUnit.Content))
	v, _ := got.MsgUnit.Qos.ClientProperty("k")
	require.Equal(t, "v", v)

	other, err := NewBadgerQueue(db, "reload2", nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), other.NumOfEntries())
}

func TestRegisteredRamQueue(t *testing.T) {
	f, err := dispatchapi.GetQueueFactory(dispatchapi.QueueTypeRam)
	require.NoError(t, err)
	q, err := f("registered", nil)
	require.NoError(t, err)
	require.Equal(t, "registered", q.StorageId())
}
