package dispatchimpl

import (
	"context"
	"sync"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/idgen"
	"github.com/meidoworks/nekodispatch/shared/utils"
)

var _ dispatchapi.TopicHandler = new(Topic)

type syncDeliverer interface {
	DeliverSync(ctx context.Context, entries []*dispatchapi.MsgUnitWrapper) (int, error)
}

type Topic struct {
	oid      string
	property dispatchapi.TopicProperty

	subscribers []*dispatchapi.SubscriptionInfo
	basicLock   sync.Mutex
	erased      bool

	history     dispatchapi.StorageQueue
	distributor dispatchapi.MsgDistributor

	entryIdGen *idgen.IdGen
}

func (t *Topic) Oid() string {
	return t.oid
}

func (t *Topic) Property() dispatchapi.TopicProperty {
	return t.property
}

func (t *Topic) HistoryQueue() dispatchapi.StorageQueue {
	return t.history
}

func (t *Topic) Distributor() dispatchapi.MsgDistributor {
	return t.distributor
}

func (t *Topic) SubscriptionInfoArr() []*dispatchapi.SubscriptionInfo {
	t.basicLock.Lock()
	defer t.basicLock.Unlock()
	// copy-on-write, the returned slice is never modified afterwards
	return t.subscribers
}

func (t *Topic) NumOfSubscribers() int {
	t.basicLock.Lock()
	defer t.basicLock.Unlock()
	return len(t.subscribers)
}

func (t *Topic) MayReceive(sub *dispatchapi.SubscriptionInfo, msg *dispatchapi.MsgUnitWrapper) bool {
	if sub == nil || sub.Session == nil || sub.Qos == nil || msg == nil || msg.MsgUnit == nil {
		return false
	}
	qos := msg.MsgUnit.Qos
	if !sub.Qos.WantLocal && qos != nil && qos.Sender == sub.Session.SessionName() {
		return false
	}
	if msg.IsErased() && !sub.Qos.WantNotify {
		return false
	}
	return true
}

func (t *Topic) InvokeCallback(ctx context.Context, sub *dispatchapi.SubscriptionInfo, msg *dispatchapi.MsgUnitWrapper) (int, error) {
	if sub == nil || sub.Session == nil {
		return 0, dispatchapi.IllegalArgument("invoke callback without subscriber session")
	}
	dm := sub.Session.DispatchManager()
	if dm == nil {
		return 0, dispatchapi.ErrNoCallback
	}
	deliverer, ok := dm.(syncDeliverer)
	if !ok {
		return 0, dispatchapi.ErrNoCallback
	}
	entry, err := t.updateEntry(sub, msg)
	if err != nil {
		return 0, err
	}
	return deliverer.DeliverSync(ctx, []*dispatchapi.MsgUnitWrapper{entry})
}

func (t *Topic) QueueCallback(ctx context.Context, sub *dispatchapi.SubscriptionInfo, msg *dispatchapi.MsgUnitWrapper) error {
	if sub == nil || sub.Session == nil || sub.Session.CallbackQueue() == nil {
		return dispatchapi.IllegalArgument("queue callback without subscriber session")
	}
	entry, err := t.updateEntry(sub, msg)
	if err != nil {
		return err
	}
	return sub.Session.CallbackQueue().Put(entry)
}

// updateEntry copies msg for one receiver, stamps on the copy never reach the history entry.
func (t *Topic) updateEntry(sub *dispatchapi.SubscriptionInfo, msg *dispatchapi.MsgUnitWrapper) (*dispatchapi.MsgUnitWrapper, error) {
	id, err := t.entryIdGen.Next()
	if err != nil {
		return nil, err
	}
	return &dispatchapi.MsgUnitWrapper{
		UniqueId:       dispatchapi.MsgId(id),
		SubscriptionId: sub.Id,
		Receiver:       sub.Session.SessionName(),
		MsgUnit:        msg.MsgUnit.ShallowClone(),
	}, nil
}

func (t *Topic) RemoveFromHistory(msg *dispatchapi.MsgUnitWrapper) error {
	_, err := t.history.RemoveRandom([]*dispatchapi.MsgUnitWrapper{msg})
	return err
}

func (t *Topic) PeekHistory(maxEntries int, maxBytes int64) ([]*dispatchapi.MsgUnitWrapper, error) {
	return t.history.Peek(maxEntries, maxBytes)
}

func (t *Topic) publish(ctx context.Context, msg *dispatchapi.MsgUnitWrapper) (int, error) {
	t.basicLock.Lock()
	erased := t.erased
	t.basicLock.Unlock()
	if erased {
		return 0, dispatchapi.ErrTopicNotExist
	}

	if err := t.history.Put(msg); err != nil {
		return 0, err
	}
	t.trimHistory()
	return t.distributor.SyncDistribution(ctx, msg)
}

// trimHistory evicts the oldest entries beyond HistoryMaxEntries.
func (t *Topic) trimHistory() {
	max := t.property.HistoryMaxEntries
	if max <= 0 || t.history.NumOfEntries() <= max {
		return
	}
	entries, err := t.history.Peek(-1, -1)
	if err != nil {
		LogError("peek history of topic", t.oid, "failed:", err)
		return
	}
	excess := int64(len(entries)) - max
	var evict []*dispatchapi.MsgUnitWrapper
	for ; excess > 0; excess-- {
		oldest := -1
		for i, e := range entries {
			if e == nil {
				continue
			}
			if oldest < 0 || idgen.IdType(e.UniqueId).CompareTo(idgen.IdType(entries[oldest].UniqueId)) < 0 {
				oldest = i
			}
		}
		if oldest < 0 {
			break
		}
		evict = append(evict, entries[oldest])
		entries[oldest] = nil
	}
	if _, err := t.history.RemoveRandom(evict); err != nil {
		LogError("evict history of topic", t.oid, "failed:", err)
	}
}

func (t *Topic) addSubscriber(sub *dispatchapi.SubscriptionInfo) error {
	t.basicLock.Lock()
	if t.erased {
		t.basicLock.Unlock()
		return dispatchapi.ErrTopicNotExist
	}
	t.subscribers = utils.CopyAppendSlice(t.subscribers, sub)
	t.basicLock.Unlock()

	t.distributor.OnAddSubscriber(sub)
	return nil
}

func (t *Topic) removeSubscriber(id dispatchapi.SubscriptionId) (*dispatchapi.SubscriptionInfo, error) {
	t.basicLock.Lock()
	var removed *dispatchapi.SubscriptionInfo
	t.subscribers, _ = utils.CopyRemoveSlice(t.subscribers, func(s *dispatchapi.SubscriptionInfo) bool {
		if s.Id == id {
			removed = s
			return true
		}
		return false
	})
	t.basicLock.Unlock()

	if removed == nil {
		return nil, dispatchapi.ErrSubscriptionNotExist
	}
	t.distributor.OnRemoveSubscriber(removed)
	return removed, nil
}

// erase notifies subscribers with an erased message, then releases distributor and history.
func (t *Topic) erase(ctx context.Context, notification *dispatchapi.MsgUnitWrapper) error {
	t.basicLock.Lock()
	if t.erased {
		t.basicLock.Unlock()
		return dispatchapi.ErrTopicNotExist
	}
	t.erased = true
	t.basicLock.Unlock()

	if notification != nil {
		if _, err := t.distributor.SyncDistribution(ctx, notification); err != nil {
			LogError("erase notification of topic", t.oid, "failed:", err)
		}
	}
	t.distributor.Shutdown()
	t.basicLock.Lock()
	t.subscribers = nil
	t.basicLock.Unlock()

	if _, err := t.history.Clear(); err != nil {
		LogError("clear history of topic", t.oid, "failed:", err)
	}
	return t.history.Shutdown()
}

func (t *Topic) shutdown() {
	t.distributor.Shutdown()
	if err := t.history.Shutdown(); err != nil {
		LogError("shutdown history of topic", t.oid, "failed:", err)
	}
}
