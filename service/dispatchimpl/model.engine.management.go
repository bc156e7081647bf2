package dispatchimpl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/service/queuequery"
	"github.com/meidoworks/nekodispatch/shared/timesupplier"
	"github.com/meidoworks/nekodispatch/shared/utils"
)

// DefineTopic creates a topic with explicit properties. Topics not defined here
// are created on first use with the configured or default properties.
func (e *Engine) DefineTopic(oid string, property *dispatchapi.TopicProperty) error {
	if oid == "" {
		return dispatchapi.IllegalArgument("empty topic oid")
	}
	if e.isShutdown() {
		return dispatchapi.ErrEngineShutdown
	}
	e.basicLock.Lock()
	defer e.basicLock.Unlock()
	if _, ok := e.topicMap[oid]; ok {
		return dispatchapi.ErrTopicAlreadyExist
	}
	t, err := e.newTopic(oid, property)
	if err != nil {
		return err
	}
	e.topicMap = utils.CopyAddMap(e.topicMap, oid, t)
	return nil
}

func (e *Engine) topicPropertyOf(oid string) dispatchapi.TopicProperty {
	var property dispatchapi.TopicProperty
	if p, ok := e.option.Topics[oid]; ok && p != nil {
		property = *p
	}
	if property.Distributor == "" {
		property.Distributor = e.option.DefaultDistributor
	}
	return property
}

// newTopic must be called with basicLock held.
func (e *Engine) newTopic(oid string, property *dispatchapi.TopicProperty) (*Topic, error) {
	var prop dispatchapi.TopicProperty
	if property != nil {
		prop = *property
		if prop.Distributor == "" {
			prop.Distributor = e.option.DefaultDistributor
		}
	} else {
		prop = e.topicPropertyOf(oid)
	}

	factory, err := dispatchapi.GetDistributorFactory(prop.Distributor)
	if err != nil {
		return nil, fmt.Errorf("topic %s distributor %q: %w", oid, prop.Distributor, err)
	}
	distributor := factory()
	if distributor.Type() == dispatchapi.DistributorBroadcast && prop.HistoryMaxEntries == 0 {
		prop.HistoryMaxEntries = e.option.DefaultHistoryMaxEntries
	}

	history, err := e.newQueue(e.option.HistoryQueueType, historyStorageId(oid), &prop.HistoryQueue)
	if err != nil {
		return nil, err
	}
	t := &Topic{
		oid:         oid,
		property:    prop,
		history:     history,
		distributor: distributor,
		entryIdGen:  e.entryIdGen,
	}
	if err := distributor.Init(t); err != nil {
		_ = history.Shutdown()
		return nil, err
	}
	LogInfo("topic", oid, "created with distributor", distributor.Type()+","+distributor.Version())
	return t, nil
}

func (e *Engine) getOrCreateTopic(oid string) (*Topic, error) {
	e.basicLock.Lock()
	defer e.basicLock.Unlock()
	if t, ok := e.topicMap[oid]; ok {
		return t, nil
	}
	t, err := e.newTopic(oid, nil)
	if err != nil {
		return nil, err
	}
	e.topicMap = utils.CopyAddMap(e.topicMap, oid, t)
	return t, nil
}

// Connect creates a session. With a driver the session gets a dispatch manager
// and is ALIVE right away, without one its callback queue can only be pulled with Get.
func (e *Engine) Connect(name dispatchapi.SessionName, driver dispatchapi.CallbackDriver, option *dispatchapi.SessionOption) (dispatchapi.Session, error) {
	if _, err := dispatchapi.ParseSessionName(string(name)); err != nil {
		return nil, err
	}
	if e.isShutdown() {
		return nil, dispatchapi.ErrEngineShutdown
	}
	sessionOption := e.option.Session
	if option != nil {
		sessionOption = *option
	}

	e.basicLock.Lock()
	if _, ok := e.sessionMap[name]; ok {
		e.basicLock.Unlock()
		return nil, dispatchapi.ErrSessionAlreadyExist
	}
	queue, err := e.newQueue(e.option.CallbackQueueType, callbackStorageId(name), &sessionOption.CallbackQueue)
	if err != nil {
		e.basicLock.Unlock()
		return nil, err
	}
	s := &Session{
		name:          name,
		callbackQueue: queue,
	}
	if driver != nil {
		s.dispatchManager = newDispatchManager(name, driver, queue, e.option.DeadLetter, sessionOption)
		if err := s.dispatchManager.start(); err != nil {
			e.basicLock.Unlock()
			return nil, err
		}
	}
	e.sessionMap = utils.CopyAddMap(e.sessionMap, name, s)
	e.basicLock.Unlock()

	if s.dispatchManager != nil {
		s.dispatchManager.ToAlive()
	}
	LogInfo("session", name, "connected, callback:", s.HasCallback())
	return s, nil
}

// Reconnect marks the callback of the session reachable again.
func (e *Engine) Reconnect(name dispatchapi.SessionName) error {
	s, err := e.getSession(name)
	if err != nil {
		return err
	}
	if s.dispatchManager == nil {
		return dispatchapi.ErrNoCallback
	}
	if s.dispatchManager.State() == dispatchapi.StateDead {
		return dispatchapi.ErrDispatchDead
	}
	s.dispatchManager.ToAlive()
	return nil
}

// CallbackLost marks the callback of the session unreachable, entries are kept until Reconnect.
func (e *Engine) CallbackLost(name dispatchapi.SessionName, reason string) error {
	s, err := e.getSession(name)
	if err != nil {
		return err
	}
	if s.dispatchManager == nil {
		return dispatchapi.ErrNoCallback
	}
	s.dispatchManager.ToPolling(reason)
	return nil
}

// Disconnect removes the session with its subscriptions. Undelivered callback entries become dead letters.
func (e *Engine) Disconnect(name dispatchapi.SessionName) error {
	e.basicLock.Lock()
	s, ok := e.sessionMap[name]
	if !ok {
		e.basicLock.Unlock()
		return dispatchapi.ErrSessionNotExist
	}
	e.sessionMap = utils.CopyRemoveMap(e.sessionMap, name)
	subscriptions := e.subscriptionMap
	e.basicLock.Unlock()

	for id, t := range subscriptions {
		for _, sub := range t.SubscriptionInfoArr() {
			if sub.Id == id && sub.Session == s {
				if err := e.Unsubscribe(context.Background(), id); err != nil && !errors.Is(err, dispatchapi.ErrSubscriptionNotExist) {
					LogError("unsubscribe", id, "of", name, "failed:", err)
				}
			}
		}
	}
	if s.dispatchManager != nil {
		s.dispatchManager.ToDead("session disconnected")
		s.dispatchManager.stop()
	}
	if err := s.callbackQueue.Shutdown(); err != nil {
		LogError("shutdown callback queue of", name, "failed:", err)
	}
	LogInfo("session", name, "disconnected")
	return nil
}

// Publish stores msg in the topic history and hands it to the topic distributor.
func (e *Engine) Publish(ctx context.Context, sender dispatchapi.SessionName, msg *dispatchapi.MsgUnit) (dispatchapi.MsgId, error) {
	if msg == nil || msg.KeyOid == "" {
		return dispatchapi.MsgId{}, dispatchapi.IllegalArgument("publish needs a message with key oid")
	}
	if e.isShutdown() {
		return dispatchapi.MsgId{}, dispatchapi.ErrEngineShutdown
	}
	qos := msg.Qos.Clone()
	if qos == nil {
		qos = &dispatchapi.MsgQos{Priority: dispatchapi.NormPriority}
	}
	if qos.Priority < dispatchapi.MinPriority || qos.Priority > dispatchapi.MaxPriority {
		return dispatchapi.MsgId{}, dispatchapi.IllegalArgument("priority %d out of range", qos.Priority)
	}
	qos.Sender = sender
	qos.Erased = false
	qos.RcvTimestamp = time.Now().UnixMilli()

	id, err := e.msgIdGen.Next()
	if err != nil {
		return dispatchapi.MsgId{}, err
	}
	wrapper := &dispatchapi.MsgUnitWrapper{
		UniqueId: dispatchapi.MsgId(id),
		MsgUnit: &dispatchapi.MsgUnit{
			KeyOid:  msg.KeyOid,
			Content: msg.Content,
			Qos:     qos,
		},
	}

	t, err := e.getOrCreateTopic(msg.KeyOid)
	if err != nil {
		return dispatchapi.MsgId{}, err
	}
	n, err := t.publish(ctx, wrapper)
	if err != nil {
		return dispatchapi.MsgId{}, err
	}
	LogDebug("published", wrapper.UniqueId, "to", msg.KeyOid, "receivers:", n)
	return wrapper.UniqueId, nil
}

func (e *Engine) Subscribe(ctx context.Context, name dispatchapi.SessionName, topicOid string, qos *dispatchapi.QueryQos) (dispatchapi.SubscriptionId, error) {
	if topicOid == "" {
		return dispatchapi.SubscriptionId{}, dispatchapi.IllegalArgument("empty topic oid")
	}
	if e.isShutdown() {
		return dispatchapi.SubscriptionId{}, dispatchapi.ErrEngineShutdown
	}
	s, err := e.getSession(name)
	if err != nil {
		return dispatchapi.SubscriptionId{}, err
	}
	if qos == nil {
		qos = dispatchapi.DefaultQueryQos()
	}
	t, err := e.getOrCreateTopic(topicOid)
	if err != nil {
		return dispatchapi.SubscriptionId{}, err
	}
	id, err := e.subIdGen.Next()
	if err != nil {
		return dispatchapi.SubscriptionId{}, err
	}
	copied := *qos
	sub := &dispatchapi.SubscriptionInfo{
		Id:       dispatchapi.SubscriptionId(id),
		TopicOid: topicOid,
		Session:  s,
		Qos:      &copied,
	}

	e.basicLock.Lock()
	e.subscriptionMap = utils.CopyAddMap(e.subscriptionMap, sub.Id, t)
	e.basicLock.Unlock()

	if err := t.addSubscriber(sub); err != nil {
		e.basicLock.Lock()
		e.subscriptionMap = utils.CopyRemoveMap(e.subscriptionMap, sub.Id)
		e.basicLock.Unlock()
		return dispatchapi.SubscriptionId{}, err
	}
	LogDebug("session", name, "subscribed to", topicOid, "as", sub.Id)
	return sub.Id, nil
}

func (e *Engine) Unsubscribe(ctx context.Context, id dispatchapi.SubscriptionId) error {
	e.basicLock.Lock()
	t, ok := e.subscriptionMap[id]
	if ok {
		e.subscriptionMap = utils.CopyRemoveMap(e.subscriptionMap, id)
	}
	e.basicLock.Unlock()
	if !ok {
		return dispatchapi.ErrSubscriptionNotExist
	}
	_, err := t.removeSubscriber(id)
	return err
}

// Erase sends an erase notification through the topic distributor and removes the topic.
func (e *Engine) Erase(ctx context.Context, sender dispatchapi.SessionName, topicOid string) error {
	e.basicLock.Lock()
	t, ok := e.topicMap[topicOid]
	if !ok {
		e.basicLock.Unlock()
		return dispatchapi.ErrTopicNotExist
	}
	e.topicMap = utils.CopyRemoveMap(e.topicMap, topicOid)
	subscriptions := e.subscriptionMap
	for id, st := range subscriptions {
		if st == t {
			e.subscriptionMap = utils.CopyRemoveMap(e.subscriptionMap, id)
		}
	}
	e.basicLock.Unlock()

	id, err := e.msgIdGen.Next()
	if err != nil {
		return err
	}
	notification := &dispatchapi.MsgUnitWrapper{
		UniqueId: dispatchapi.MsgId(id),
		MsgUnit: &dispatchapi.MsgUnit{
			KeyOid: topicOid,
			Qos: &dispatchapi.MsgQos{
				Sender:       sender,
				Erased:       true,
				Priority:     dispatchapi.MaxPriority,
				RcvTimestamp: timesupplier.CachedUnixMilli(),
			},
		},
	}
	LogInfo("topic", topicOid, "erased by", sender)
	return t.erase(ctx, notification)
}

// Get runs a queue query on "topic/<oid>" or "client/<subject>/session/<n>".
func (e *Engine) Get(ctx context.Context, queueOid string, query string) ([]*dispatchapi.MsgUnit, error) {
	spec, err := queuequery.ParseQuerySpec(query)
	if err != nil {
		return nil, err
	}
	queue, err := e.resolveQueue(queueOid)
	if err != nil {
		return nil, err
	}
	return e.queryPlugin.QueryWithSpec(ctx, queue, spec)
}

// Receive is Get with explicit arguments, a negative timeout waits forever.
func (e *Engine) Receive(ctx context.Context, queueOid string, maxEntries int, timeout time.Duration, consumable bool) ([]*dispatchapi.MsgUnit, error) {
	spec := queuequery.DefaultQuerySpec()
	spec.MaxEntries = maxEntries
	spec.Consumable = consumable
	switch {
	case timeout < 0:
		spec.WaitingDelay = -1
	case timeout == 0:
		spec.WaitingDelay = 0
	default:
		spec.WaitingDelay = timeout.Milliseconds()
		if spec.WaitingDelay == 0 {
			spec.WaitingDelay = 1
		}
	}
	queue, err := e.resolveQueue(queueOid)
	if err != nil {
		return nil, err
	}
	return e.queryPlugin.QueryWithSpec(ctx, queue, spec)
}

func (e *Engine) resolveQueue(queueOid string) (dispatchapi.Queue, error) {
	addr, err := dispatchapi.ParseQueueAddress(queueOid)
	if err != nil {
		return nil, err
	}
	if addr.TopicOid != "" {
		t, err := e.GetTopic(addr.TopicOid)
		if err != nil {
			return nil, err
		}
		return t.history, nil
	}
	s, err := e.getSession(addr.Session)
	if err != nil {
		return nil, err
	}
	return s.callbackQueue, nil
}
