package dispatchimpl

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatchManager struct {
	name      dispatchapi.SessionName
	state     dispatchapi.ConnectionState
	listeners []dispatchapi.ConnectionStatusListener
	failSend  bool
	delivered []*dispatchapi.MsgUnitWrapper
	lock      sync.Mutex
}

func (f *fakeDispatchManager) SessionName() dispatchapi.SessionName {
	return f.name
}

func (f *fakeDispatchManager) State() dispatchapi.ConnectionState {
	return f.state
}

func (f *fakeDispatchManager) IsAlive() bool {
	return f.state == dispatchapi.StateAlive
}

func (f *fakeDispatchManager) AddConnectionStatusListener(l dispatchapi.ConnectionStatusListener) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, v := range f.listeners {
		if v == l {
			return false
		}
	}
	f.listeners = utils.CopyAppendSlice(f.listeners, l)
	return true
}

func (f *fakeDispatchManager) RemoveConnectionStatusListener(l dispatchapi.ConnectionStatusListener) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	var removed bool
	f.listeners, removed = utils.CopyRemoveSlice(f.listeners, func(v dispatchapi.ConnectionStatusListener) bool {
		return v == l
	})
	return removed
}

func (f *fakeDispatchManager) numListeners() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.listeners)
}

type fakeSession struct {
	name dispatchapi.SessionName
	dm   *fakeDispatchManager
}

func (f *fakeSession) SessionName() dispatchapi.SessionName {
	return f.name
}

func (f *fakeSession) HasCallback() bool {
	return f.dm != nil
}

func (f *fakeSession) DispatchManager() dispatchapi.DispatchManager {
	if f.dm == nil {
		return nil
	}
	return f.dm
}

func (f *fakeSession) CallbackQueue() dispatchapi.StorageQueue {
	return nil
}

type fakeTopic struct {
	subs    []*dispatchapi.SubscriptionInfo
	history []*dispatchapi.MsgUnitWrapper
	queued  map[dispatchapi.SessionName][]*dispatchapi.MsgUnitWrapper
}

func newFakeTopic() *fakeTopic {
	return &fakeTopic{queued: make(map[dispatchapi.SessionName][]*dispatchapi.MsgUnitWrapper)}
}

func (f *fakeTopic) Oid() string {
	return "fake"
}

func (f *fakeTopic) SubscriptionInfoArr() []*dispatchapi.SubscriptionInfo {
	return f.subs
}

func (f *fakeTopic) MayReceive(sub *dispatchapi.SubscriptionInfo, msg *dispatchapi.MsgUnitWrapper) bool {
	return sub.Qos.WantLocal || msg.MsgUnit.Qos.Sender != sub.Session.SessionName()
}

func (f *fakeTopic) InvokeCallback(ctx context.Context, sub *dispatchapi.SubscriptionInfo, msg *dispatchapi.MsgUnitWrapper) (int, error) {
	dm := sub.Session.(*fakeSession).dm
	if dm.failSend {
		return 0, errors.New("send failed")
	}
	dm.delivered = append(dm.delivered, msg)
	return 1, nil
}

func (f *fakeTopic) QueueCallback(ctx context.Context, sub *dispatchapi.SubscriptionInfo, msg *dispatchapi.MsgUnitWrapper) error {
	name := sub.Session.SessionName()
	f.queued[name] = append(f.queued[name], msg)
	return nil
}

func (f *fakeTopic) RemoveFromHistory(msg *dispatchapi.MsgUnitWrapper) error {
	f.history, _ = utils.CopyRemoveSlice(f.history, func(e *dispatchapi.MsgUnitWrapper) bool {
		return e.UniqueId == msg.UniqueId
	})
	return nil
}

func (f *fakeTopic) PeekHistory(maxEntries int, maxBytes int64) ([]*dispatchapi.MsgUnitWrapper, error) {
	return append([]*dispatchapi.MsgUnitWrapper(nil), f.history...), nil
}

func (f *fakeTopic) subscribe(id int64, session *fakeSession, qos *dispatchapi.QueryQos) *dispatchapi.SubscriptionInfo {
	if qos == nil {
		qos = dispatchapi.DefaultQueryQos()
	}
	sub := &dispatchapi.SubscriptionInfo{
		Id:       dispatchapi.SubscriptionId{0, id},
		TopicOid: f.Oid(),
		Session:  session,
		Qos:      qos,
	}
	f.subs = append(f.subs, sub)
	return sub
}

func newFakeSession(subject string, state dispatchapi.ConnectionState) *fakeSession {
	name := dispatchapi.NewSessionName(subject, 1)
	return &fakeSession{
		name: name,
		dm:   &fakeDispatchManager{name: name, state: state},
	}
}

func newEntry(id int64, sender dispatchapi.SessionName) *dispatchapi.MsgUnitWrapper {
	return &dispatchapi.MsgUnitWrapper{
		UniqueId: dispatchapi.MsgId{0, id},
		MsgUnit: &dispatchapi.MsgUnit{
			KeyOid:  "fake",
			Content: []byte("payload"),
			Qos:     &dispatchapi.MsgQos{Sender: sender, Priority: dispatchapi.NormPriority},
		},
	}
}

func TestConsumableRequiresInit(t *testing.T) {
	plugin := NewConsumableQueuePlugin()
	_, err := plugin.SyncDistribution(context.Background(), newEntry(1, ""))
	require.True(t, errors.Is(err, dispatchapi.ErrIllegalArgument))

	require.True(t, errors.Is(plugin.Init(nil), dispatchapi.ErrIllegalArgument))
}

func TestConsumableFirstAliveSubscriberTakesEntry(t *testing.T) {
	topic := newFakeTopic()
	polling := newFakeSession("polling", dispatchapi.StatePolling)
	alive1 := newFakeSession("alive1", dispatchapi.StateAlive)
	alive2 := newFakeSession("alive2", dispatchapi.StateAlive)
	topic.subscribe(1, polling, nil)
	topic.subscribe(2, alive1, nil)
	topic.subscribe(3, alive2, nil)

	plugin := NewConsumableQueuePlugin()
	require.NoError(t, plugin.Init(topic))
	// Init registered the plugin on every dispatch manager
	for _, s := range []*fakeSession{polling, alive1, alive2} {
		assert.Equal(t, 1, s.dm.numListeners())
	}

	entry := newEntry(1, "")
	topic.history = append(topic.history, entry)
	n, err := plugin.SyncDistribution(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, alive1.dm.delivered, 1)
	require.Empty(t, alive2.dm.delivered)
	require.Empty(t, topic.history)

	v, ok := alive1.dm.delivered[0].MsgUnit.Qos.ClientProperty(dispatchapi.ClientPropertyMsgDistributorPlugin)
	require.True(t, ok)
	require.Equal(t, "ConsumableQueue,1.0", v)
	_, ok = entry.MsgUnit.Qos.ClientProperty(dispatchapi.ClientPropertyMsgDistributorPlugin)
	require.False(t, ok, "the stored entry keeps its qos")
}

func TestConsumableKeepsEntryWithoutAliveSubscriber(t *testing.T) {
	topic := newFakeTopic()
	failing := newFakeSession("failing", dispatchapi.StateAlive)
	failing.dm.failSend = true
	pullOnly := &fakeSession{name: dispatchapi.NewSessionName("pull", 1)}
	topic.subscribe(1, failing, nil)
	topic.subscribe(2, pullOnly, nil)

	plugin := NewConsumableQueuePlugin()
	require.NoError(t, plugin.Init(topic))

	entry := newEntry(1, "")
	topic.history = append(topic.history, entry)
	n, err := plugin.SyncDistribution(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, topic.history, 1)
}

func TestConsumableReplaysHistoryOnAlive(t *testing.T) {
	topic := newFakeTopic()
	session := newFakeSession("worker", dispatchapi.StatePolling)
	topic.subscribe(1, session, nil)
	topic.history = append(topic.history, newEntry(1, ""), newEntry(2, ""))

	plugin := NewConsumableQueuePlugin()
	require.NoError(t, plugin.Init(topic))
	require.Len(t, topic.history, 2)

	session.dm.state = dispatchapi.StateAlive
	plugin.(dispatchapi.ConnectionStatusListener).ToAlive(session.dm, dispatchapi.StatePolling)
	require.Len(t, session.dm.delivered, 2)
	require.Empty(t, topic.history)
}

func TestConsumableListenerFollowsSubscriptions(t *testing.T) {
	topic := newFakeTopic()
	session := newFakeSession("worker", dispatchapi.StateAlive)
	plugin := NewConsumableQueuePlugin()
	require.NoError(t, plugin.Init(topic))

	sub1 := topic.subscribe(1, session, nil)
	plugin.OnAddSubscriber(sub1)
	sub2 := topic.subscribe(2, session, nil)
	plugin.OnAddSubscriber(sub2)
	require.Equal(t, 1, session.dm.numListeners())

	topic.subs = topic.subs[1:]
	plugin.OnRemoveSubscriber(sub1)
	require.Equal(t, 1, session.dm.numListeners())

	topic.subs = nil
	plugin.OnRemoveSubscriber(sub2)
	require.Equal(t, 0, session.dm.numListeners())
}

func TestConsumableShutdown(t *testing.T) {
	topic := newFakeTopic()
	session := newFakeSession("worker", dispatchapi.StateAlive)
	topic.subscribe(1, session, nil)
	plugin := NewConsumableQueuePlugin()
	require.NoError(t, plugin.Init(topic))
	require.Equal(t, 1, session.dm.numListeners())

	plugin.Shutdown()
	plugin.Shutdown()
	require.Equal(t, 0, session.dm.numListeners())

	_, err := plugin.SyncDistribution(context.Background(), newEntry(1, ""))
	require.True(t, errors.Is(err, dispatchapi.ErrDistributorDead))
}

func TestBroadcastQueuesForEveryReceiver(t *testing.T) {
	topic := newFakeTopic()
	a := newFakeSession("a", dispatchapi.StateAlive)
	b := newFakeSession("b", dispatchapi.StatePolling)
	topic.subscribe(1, a, &dispatchapi.QueryQos{WantLocal: false})
	topic.subscribe(2, b, nil)

	plugin := NewBroadcastPlugin()
	require.NoError(t, plugin.Init(topic))

	n, err := plugin.SyncDistribution(context.Background(), newEntry(1, a.name))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, topic.queued[a.name])
	require.Len(t, topic.queued[b.name], 1)

	v, _ := topic.queued[b.name][0].MsgUnit.Qos.ClientProperty(dispatchapi.ClientPropertyMsgDistributorPlugin)
	require.Equal(t, "Broadcast,1.0", v)
}

func TestBroadcastInitialUpdate(t *testing.T) {
	topic := newFakeTopic()
	topic.history = append(topic.history, newEntry(1, ""))
	plugin := NewBroadcastPlugin()
	require.NoError(t, plugin.Init(topic))

	wants := newFakeSession("wants", dispatchapi.StateAlive)
	plugin.OnAddSubscriber(topic.subscribe(1, wants, nil))
	require.Len(t, topic.queued[wants.name], 1)

	skips := newFakeSession("skips", dispatchapi.StateAlive)
	plugin.OnAddSubscriber(topic.subscribe(2, skips, &dispatchapi.QueryQos{WantLocal: true, WantNotify: true}))
	require.Empty(t, topic.queued[skips.name])

	plugin.Shutdown()
	_, err := plugin.SyncDistribution(context.Background(), newEntry(2, ""))
	require.True(t, errors.Is(err, dispatchapi.ErrDistributorDead))
}
