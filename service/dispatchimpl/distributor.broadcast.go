package dispatchimpl

import (
	"context"
	"sync"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
)

const (
	BroadcastVersion = "1.0"
)

var _ dispatchapi.MsgDistributor = new(BroadcastPlugin)

// BroadcastPlugin queues every message for each eligible subscriber.
// Retained history is sent to subscribers asking for an initial update.
type BroadcastPlugin struct {
	lock  sync.Mutex
	topic dispatchapi.TopicHandler
	state pluginState
}

func NewBroadcastPlugin() dispatchapi.MsgDistributor {
	return new(BroadcastPlugin)
}

func (b *BroadcastPlugin) Type() string {
	return dispatchapi.DistributorBroadcast
}

func (b *BroadcastPlugin) Version() string {
	return BroadcastVersion
}

func (b *BroadcastPlugin) Init(topic dispatchapi.TopicHandler) error {
	if topic == nil {
		return dispatchapi.IllegalArgument("broadcast plugin needs a topic")
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.state == pluginDead {
		return dispatchapi.ErrDistributorDead
	}
	b.topic = topic
	b.state = pluginSleeping
	return nil
}

func (b *BroadcastPlugin) SyncDistribution(ctx context.Context, msg *dispatchapi.MsgUnitWrapper) (int, error) {
	if msg == nil || msg.MsgUnit == nil {
		return 0, dispatchapi.IllegalArgument("distribute nil message")
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.state != pluginSleeping {
		return 0, dispatchapi.ErrDistributorDead
	}

	stamped := withDistributorProperty(msg, b.Type()+","+b.Version())
	cnt := 0
	for _, sub := range b.topic.SubscriptionInfoArr() {
		if !b.topic.MayReceive(sub, msg) {
			continue
		}
		if err := b.topic.QueueCallback(ctx, sub, stamped); err != nil {
			_dispatchLogger.Warnf("topic [%s] queueing %s for [%s] failed: %v", b.topic.Oid(), msg.UniqueId, sub.Session.SessionName(), err)
			continue
		}
		cnt++
	}
	return cnt, nil
}

func (b *BroadcastPlugin) OnAddSubscriber(sub *dispatchapi.SubscriptionInfo) {
	if sub == nil || sub.Qos == nil || !sub.Qos.WantInitialUpdate {
		return
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.state != pluginSleeping {
		return
	}
	entries, err := b.topic.PeekHistory(-1, -1)
	if err != nil {
		_dispatchLogger.Errorf("topic [%s] peek history for new subscriber failed: %v", b.topic.Oid(), err)
		return
	}
	for _, e := range entries {
		if !b.topic.MayReceive(sub, e) {
			continue
		}
		if err := b.topic.QueueCallback(context.Background(), sub, withDistributorProperty(e, b.Type()+","+b.Version())); err != nil {
			_dispatchLogger.Warnf("topic [%s] initial update %s for [%s] failed: %v", b.topic.Oid(), e.UniqueId, sub.Session.SessionName(), err)
		}
	}
}

func (b *BroadcastPlugin) OnRemoveSubscriber(sub *dispatchapi.SubscriptionInfo) {
}

func (b *BroadcastPlugin) Shutdown() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.state = pluginDead
}
