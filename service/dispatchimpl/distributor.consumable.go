package dispatchimpl

import (
	"context"
	"sync"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
)

const (
	ConsumableQueueVersion = "1.0"
)

type pluginState byte

const (
	pluginUninitialized pluginState = iota
	pluginSleeping
	pluginDead
)

var _ dispatchapi.MsgDistributor = new(ConsumableQueuePlugin)
var _ dispatchapi.ConnectionStatusListener = new(ConsumableQueuePlugin)

// ConsumableQueuePlugin delivers every message to exactly one subscriber.
// Subscribers are tried in registration order, the first one accepting it wins
// and the message leaves the history. Without any taker it stays in history
// until a subscriber's callback becomes alive.
type ConsumableQueuePlugin struct {
	lock     sync.Mutex
	topic    dispatchapi.TopicHandler
	state    pluginState
	managers map[dispatchapi.DispatchManager]struct{}
}

func NewConsumableQueuePlugin() dispatchapi.MsgDistributor {
	return &ConsumableQueuePlugin{
		managers: make(map[dispatchapi.DispatchManager]struct{}),
	}
}

func (c *ConsumableQueuePlugin) Type() string {
	return dispatchapi.DistributorConsumableQueue
}

func (c *ConsumableQueuePlugin) Version() string {
	return ConsumableQueueVersion
}

func (c *ConsumableQueuePlugin) Init(topic dispatchapi.TopicHandler) error {
	if topic == nil {
		return dispatchapi.IllegalArgument("consumable queue plugin needs a topic")
	}
	c.lock.Lock()
	if c.state == pluginDead {
		c.lock.Unlock()
		return dispatchapi.ErrDistributorDead
	}
	c.topic = topic
	c.state = pluginSleeping
	c.lock.Unlock()

	for _, sub := range topic.SubscriptionInfoArr() {
		c.OnAddSubscriber(sub)
	}
	return nil
}

func (c *ConsumableQueuePlugin) SyncDistribution(ctx context.Context, msg *dispatchapi.MsgUnitWrapper) (int, error) {
	if msg == nil || msg.MsgUnit == nil {
		return 0, dispatchapi.IllegalArgument("distribute nil message")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.distributeLocked(ctx, msg)
}

func (c *ConsumableQueuePlugin) distributeLocked(ctx context.Context, msg *dispatchapi.MsgUnitWrapper) (int, error) {
	switch c.state {
	case pluginDead:
		return 0, dispatchapi.ErrDistributorDead
	case pluginUninitialized:
		return 0, dispatchapi.IllegalArgument("consumable queue plugin not initialized")
	}

	var stamped *dispatchapi.MsgUnitWrapper
	for _, sub := range c.topic.SubscriptionInfoArr() {
		if !c.topic.MayReceive(sub, msg) {
			continue
		}
		dm := c.getDispatchManager(sub)
		if dm == nil || !sub.Session.HasCallback() || !dm.IsAlive() {
			continue
		}
		if stamped == nil {
			stamped = withDistributorProperty(msg, c.Type()+","+c.Version())
		}
		n, err := c.topic.InvokeCallback(ctx, sub, stamped)
		if err != nil {
			_dispatchLogger.Warnf("topic [%s] consumable delivery of %s to [%s] failed, trying next subscriber: %v",
				c.topic.Oid(), msg.UniqueId, sub.Session.SessionName(), err)
			continue
		}
		if n >= 1 {
			if err := c.topic.RemoveFromHistory(msg); err != nil {
				_dispatchLogger.Errorf("topic [%s] removing delivered %s from history failed: %v", c.topic.Oid(), msg.UniqueId, err)
			}
			return 1, nil
		}
	}
	_dispatchLogger.Debugf("topic [%s] no alive subscriber took %s, kept in history", c.topic.Oid(), msg.UniqueId)
	return 0, nil
}

// withDistributorProperty returns a copy carrying the distributor client property,
// the queued entry keeps its own qos.
func withDistributorProperty(msg *dispatchapi.MsgUnitWrapper, plugin string) *dispatchapi.MsgUnitWrapper {
	c := *msg
	c.MsgUnit = msg.MsgUnit.ShallowClone()
	if c.MsgUnit.Qos == nil {
		c.MsgUnit.Qos = &dispatchapi.MsgQos{Priority: dispatchapi.NormPriority}
	}
	c.MsgUnit.Qos.SetClientProperty(dispatchapi.ClientPropertyMsgDistributorPlugin, plugin)
	return &c
}

func (c *ConsumableQueuePlugin) getDispatchManager(sub *dispatchapi.SubscriptionInfo) dispatchapi.DispatchManager {
	if sub == nil {
		_dispatchLogger.Errorf("internal: nil subscription in consumable queue plugin")
		return nil
	}
	if sub.Session == nil {
		_dispatchLogger.Errorf("internal: subscription %s has no session", sub.Id)
		return nil
	}
	dm := sub.Session.DispatchManager()
	if dm == nil {
		_dispatchLogger.Debugf("session [%s] has no dispatch manager", sub.Session.SessionName())
		return nil
	}
	return dm
}

func (c *ConsumableQueuePlugin) OnAddSubscriber(sub *dispatchapi.SubscriptionInfo) {
	dm := c.getDispatchManager(sub)
	if dm == nil {
		return
	}
	c.lock.Lock()
	if c.state != pluginSleeping {
		c.lock.Unlock()
		return
	}
	c.managers[dm] = struct{}{}
	dm.AddConnectionStatusListener(c)
	alive := dm.IsAlive()
	c.lock.Unlock()

	// a new alive consumer picks up the backlog
	if alive {
		c.ToAlive(dm, dispatchapi.StateAlive)
	}
}

func (c *ConsumableQueuePlugin) OnRemoveSubscriber(sub *dispatchapi.SubscriptionInfo) {
	dm := c.getDispatchManager(sub)
	if dm == nil {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.topic != nil {
		for _, other := range c.topic.SubscriptionInfoArr() {
			if other.Session != nil && other.Session.DispatchManager() == dm {
				// another subscription of the same session still needs the listener
				return
			}
		}
	}
	dm.RemoveConnectionStatusListener(c)
	delete(c.managers, dm)
}

// ToAlive replays the whole history, the new alive subscriber may take what nobody took before.
func (c *ConsumableQueuePlugin) ToAlive(dm dispatchapi.DispatchManager, oldState dispatchapi.ConnectionState) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != pluginSleeping {
		return
	}
	entries, err := c.topic.PeekHistory(-1, -1)
	if err != nil {
		_dispatchLogger.Errorf("topic [%s] peek history on ALIVE of [%s] failed: %v", c.topic.Oid(), dm.SessionName(), err)
		return
	}
	for _, e := range entries {
		if _, err := c.distributeLocked(context.Background(), e); err != nil {
			_dispatchLogger.Errorf("topic [%s] replay of %s failed: %v", c.topic.Oid(), e.UniqueId, err)
		}
	}
}

func (c *ConsumableQueuePlugin) ToPolling(dm dispatchapi.DispatchManager, oldState dispatchapi.ConnectionState) {
}

func (c *ConsumableQueuePlugin) ToDead(dm dispatchapi.DispatchManager, oldState dispatchapi.ConnectionState, reason string) {
}

func (c *ConsumableQueuePlugin) Shutdown() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == pluginDead {
		return
	}
	if c.topic != nil {
		for _, sub := range c.topic.SubscriptionInfoArr() {
			if sub.Session == nil {
				continue
			}
			if dm := sub.Session.DispatchManager(); dm != nil {
				dm.RemoveConnectionStatusListener(c)
			}
		}
	}
	for dm := range c.managers {
		dm.RemoveConnectionStatusListener(c)
	}
	c.managers = make(map[dispatchapi.DispatchManager]struct{})
	c.state = pluginDead
}
