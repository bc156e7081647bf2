package dispatchimpl_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meidoworks/nekodispatch/service/callback"
	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	_ "github.com/meidoworks/nekodispatch/service/dispatchext"
	"github.com/meidoworks/nekodispatch/service/dispatchimpl"
	"github.com/meidoworks/nekodispatch/shared/testlib"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	TOPIC_QUEUE = "topic.consumable"
	TOPIC_NEWS  = "topic.news"
)

type receiver struct {
	lock     sync.Mutex
	received []*dispatchapi.MsgUnit
	fail     bool
}

func (r *receiver) driver() *callback.FuncDriver {
	return callback.NewFuncDriver(func(ctx context.Context, name dispatchapi.SessionName, msgs []*dispatchapi.MsgUnit) error {
		r.lock.Lock()
		defer r.lock.Unlock()
		if r.fail {
			return errors.New("connection refused")
		}
		r.received = append(r.received, msgs...)
		return nil
	})
}

func (r *receiver) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.received)
}

func (r *receiver) messages() []*dispatchapi.MsgUnit {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*dispatchapi.MsgUnit(nil), r.received...)
}

func (r *receiver) setFail(fail bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.fail = fail
}

type deadLetters struct {
	lock    sync.Mutex
	entries []*dispatchapi.MsgUnitWrapper
}

func (d *deadLetters) DeadMessage(ctx context.Context, receiver dispatchapi.SessionName, entries []*dispatchapi.MsgUnitWrapper, reason string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.entries = append(d.entries, entries...)
	return nil
}

func (d *deadLetters) count() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.entries)
}

func newEngine(t *testing.T, dead dispatchapi.DeadLetterSink) *dispatchimpl.Engine {
	engine := dispatchimpl.NewEngine(&dispatchimpl.EngineOption{
		NodeId:             1,
		DefaultDistributor: dispatchapi.DistributorBroadcast,
		Topics: map[string]*dispatchapi.TopicProperty{
			TOPIC_QUEUE: {Distributor: dispatchapi.DistributorConsumableQueue + "," + dispatchimpl.ConsumableQueueVersion},
		},
		DeadLetter:     dead,
		ReaperInterval: time.Hour,
	})
	testlib.AssertError(t, engine.Start())
	t.Cleanup(func() {
		_ = engine.Shutdown(context.Background())
	})
	return engine
}

func connect(t *testing.T, engine *dispatchimpl.Engine, subject string, r *receiver) dispatchapi.SessionName {
	name := dispatchapi.NewSessionName(subject, 1)
	var driver dispatchapi.CallbackDriver
	if r != nil {
		driver = r.driver()
	}
	_, err := engine.Connect(name, driver, nil)
	testlib.AssertError(t, err)
	return name
}

func publish(t *testing.T, engine *dispatchimpl.Engine, sender dispatchapi.SessionName, oid, content string) dispatchapi.MsgId {
	id, err := engine.Publish(context.Background(), sender, &dispatchapi.MsgUnit{KeyOid: oid, Content: []byte(content)})
	testlib.AssertError(t, err)
	return id
}

func historySize(t *testing.T, engine *dispatchimpl.Engine, oid string) int64 {
	topic, err := engine.GetTopic(oid)
	testlib.AssertError(t, err)
	return topic.HistoryQueue().NumOfEntries()
}

func TestConsumableExactlyOne(t *testing.T) {
	engine := newEngine(t, nil)
	receivers := []*receiver{new(receiver), new(receiver), new(receiver)}
	for i, r := range receivers {
		name := connect(t, engine, fmt.Sprint("worker", i), r)
		_, err := engine.Subscribe(context.Background(), name, TOPIC_QUEUE, nil)
		testlib.AssertError(t, err)
	}
	publisher := connect(t, engine, "publisher", nil)

	for i := 0; i < 10; i++ {
		publish(t, engine, publisher, TOPIC_QUEUE, fmt.Sprint("job", i))
	}

	total := 0
	for _, r := range receivers {
		total += r.count()
	}
	require.Equal(t, 10, total)
	require.Equal(t, 10, receivers[0].count(), "first alive subscriber wins")
	require.Equal(t, int64(0), historySize(t, engine, TOPIC_QUEUE))

	msg := receivers[0].messages()[0]
	v, ok := msg.Qos.ClientProperty(dispatchapi.ClientPropertyMsgDistributorPlugin)
	require.True(t, ok)
	require.Equal(t, "ConsumableQueue,1.0", v)
}

func TestConsumableConcurrentPublishersDeliverOnce(t *testing.T) {
	engine := newEngine(t, nil)
	receivers := []*receiver{new(receiver), new(receiver)}
	for i, r := range receivers {
		name := connect(t, engine, fmt.Sprint("worker", i), r)
		_, err := engine.Subscribe(context.Background(), name, TOPIC_QUEUE, nil)
		testlib.AssertError(t, err)
	}

	g := new(errgroup.Group)
	for p := 0; p < 8; p++ {
		sender := dispatchapi.NewSessionName(fmt.Sprint("pub", p), 1)
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				if _, err := engine.Publish(context.Background(), sender, &dispatchapi.MsgUnit{KeyOid: TOPIC_QUEUE, Content: []byte("x")}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 200, receivers[0].count()+receivers[1].count())
	require.Equal(t, int64(0), historySize(t, engine, TOPIC_QUEUE))
}

func TestConsumableFallbackToNextSubscriber(t *testing.T) {
	engine := newEngine(t, nil)
	broken, healthy := new(receiver), new(receiver)
	broken.setFail(true)
	brokenName := connect(t, engine, "broken", broken)
	healthyName := connect(t, engine, "healthy", healthy)
	_, err := engine.Subscribe(context.Background(), brokenName, TOPIC_QUEUE, nil)
	testlib.AssertError(t, err)
	_, err = engine.Subscribe(context.Background(), healthyName, TOPIC_QUEUE, nil)
	testlib.AssertError(t, err)

	publish(t, engine, healthyName, TOPIC_QUEUE, "job")
	require.Equal(t, 1, healthy.count())
	require.Equal(t, int64(0), historySize(t, engine, TOPIC_QUEUE))
	v, ok := healthy.messages()[0].Qos.ClientProperty(dispatchapi.ClientPropertyMsgDistributorPlugin)
	require.True(t, ok)
	require.Equal(t, "ConsumableQueue,1.0", v)

	s, err := engine.SessionInfo(brokenName)
	testlib.AssertError(t, err)
	require.Equal(t, dispatchapi.StatePolling, s.DispatchManager().State())
}

func TestConsumableRetentionAndReplayOnAlive(t *testing.T) {
	engine := newEngine(t, nil)
	r := new(receiver)
	name := connect(t, engine, "worker", r)
	_, err := engine.Subscribe(context.Background(), name, TOPIC_QUEUE, nil)
	testlib.AssertError(t, err)
	testlib.AssertError(t, engine.CallbackLost(name, "network down"))

	publish(t, engine, name, TOPIC_QUEUE, "first")
	publish(t, engine, name, TOPIC_QUEUE, "second")
	require.Equal(t, 0, r.count())
	require.Equal(t, int64(2), historySize(t, engine, TOPIC_QUEUE))

	testlib.AssertError(t, engine.Reconnect(name))
	require.Equal(t, 2, r.count())
	require.Equal(t, int64(0), historySize(t, engine, TOPIC_QUEUE))
	msgs := r.messages()
	require.Equal(t, "first", string(msgs[0].Content))
	require.Equal(t, "second", string(msgs[1].Content))
}

func TestConsumableBacklogOnSubscribe(t *testing.T) {
	engine := newEngine(t, nil)
	publisher := connect(t, engine, "publisher", nil)
	publish(t, engine, publisher, TOPIC_QUEUE, "early")
	require.Equal(t, int64(1), historySize(t, engine, TOPIC_QUEUE))

	r := new(receiver)
	name := connect(t, engine, "late", r)
	_, err := engine.Subscribe(context.Background(), name, TOPIC_QUEUE, nil)
	testlib.AssertError(t, err)
	require.Equal(t, 1, r.count())
	require.Equal(t, int64(0), historySize(t, engine, TOPIC_QUEUE))
}

func TestConsumableSelfSuppression(t *testing.T) {
	engine := newEngine(t, nil)
	self, other := new(receiver), new(receiver)
	selfName := connect(t, engine, "self", self)
	otherName := connect(t, engine, "other", other)
	_, err := engine.Subscribe(context.Background(), selfName, TOPIC_QUEUE, &dispatchapi.QueryQos{WantLocal: false, WantNotify: true})
	testlib.AssertError(t, err)

	publish(t, engine, selfName, TOPIC_QUEUE, "mine")
	require.Equal(t, 0, self.count())
	require.Equal(t, int64(1), historySize(t, engine, TOPIC_QUEUE))

	_, err = engine.Subscribe(context.Background(), otherName, TOPIC_QUEUE, nil)
	testlib.AssertError(t, err)
	require.Equal(t, 1, other.count())
	require.Equal(t, 0, self.count())
}

func TestBroadcastFanOutAndRetainedHistory(t *testing.T) {
	engine := newEngine(t, nil)
	a, b := new(receiver), new(receiver)
	aName := connect(t, engine, "a", a)
	bName := connect(t, engine, "b", b)
	_, err := engine.Subscribe(context.Background(), aName, TOPIC_NEWS, nil)
	testlib.AssertError(t, err)
	_, err = engine.Subscribe(context.Background(), bName, TOPIC_NEWS, nil)
	testlib.AssertError(t, err)

	publish(t, engine, aName, TOPIC_NEWS, "n1")
	publish(t, engine, aName, TOPIC_NEWS, "n2")
	testlib.WaitUntil(t, 2*time.Second, func() bool { return a.count() == 2 && b.count() == 2 })
	require.Equal(t, int64(1), historySize(t, engine, TOPIC_NEWS), "broadcast keeps the last message only")

	late := new(receiver)
	lateName := connect(t, engine, "late", late)
	_, err = engine.Subscribe(context.Background(), lateName, TOPIC_NEWS, nil)
	testlib.AssertError(t, err)
	testlib.WaitUntil(t, 2*time.Second, func() bool { return late.count() == 1 })
	require.Equal(t, "n2", string(late.messages()[0].Content))
}

func TestEraseNotification(t *testing.T) {
	engine := newEngine(t, nil)
	notified, quiet := new(receiver), new(receiver)
	notifiedName := connect(t, engine, "notified", notified)
	quietName := connect(t, engine, "quiet", quiet)
	_, err := engine.Subscribe(context.Background(), notifiedName, TOPIC_NEWS, &dispatchapi.QueryQos{WantLocal: true, WantNotify: true})
	testlib.AssertError(t, err)
	_, err = engine.Subscribe(context.Background(), quietName, TOPIC_NEWS, &dispatchapi.QueryQos{WantLocal: true, WantNotify: false})
	testlib.AssertError(t, err)

	testlib.AssertError(t, engine.Erase(context.Background(), notifiedName, TOPIC_NEWS))
	testlib.WaitUntil(t, 2*time.Second, func() bool { return notified.count() == 1 })
	require.True(t, notified.messages()[0].Qos.Erased)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, quiet.count())

	_, err = engine.GetTopic(TOPIC_NEWS)
	require.True(t, errors.Is(err, dispatchapi.ErrTopicNotExist))
	require.True(t, errors.Is(engine.Erase(context.Background(), notifiedName, TOPIC_NEWS), dispatchapi.ErrTopicNotExist))
}

func TestGetFromTopicHistory(t *testing.T) {
	engine := newEngine(t, nil)
	publisher := connect(t, engine, "publisher", nil)
	for i := 0; i < 5; i++ {
		publish(t, engine, publisher, TOPIC_QUEUE, fmt.Sprint("job", i))
	}

	msgs, err := engine.Get(context.Background(), "topic/"+TOPIC_QUEUE, "maxEntries=3&waitingDelay=0")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, int64(5), historySize(t, engine, TOPIC_QUEUE))

	msgs, err = engine.Receive(context.Background(), "topic/"+TOPIC_QUEUE, 3, 0, true)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "job0", string(msgs[0].Content))
	require.Equal(t, int64(2), historySize(t, engine, TOPIC_QUEUE))

	_, err = engine.Get(context.Background(), "topic/"+TOPIC_QUEUE, "maxSize=1000")
	require.True(t, errors.Is(err, dispatchapi.ErrIllegalArgument))
	_, err = engine.Get(context.Background(), "topic/missing", "")
	require.True(t, errors.Is(err, dispatchapi.ErrTopicNotExist))
}

func TestGetBlocksUntilPublish(t *testing.T) {
	engine := newEngine(t, nil)
	publisher := connect(t, engine, "publisher", nil)
	testlib.AssertError(t, engine.DefineTopic("topic.pull", &dispatchapi.TopicProperty{
		Distributor: dispatchapi.DistributorConsumableQueue,
	}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		for _, content := range []string{"a", "b"} {
			_, _ = engine.Publish(context.Background(), publisher, &dispatchapi.MsgUnit{KeyOid: "topic.pull", Content: []byte(content)})
		}
	}()
	msgs, err := engine.Receive(context.Background(), "topic/topic.pull", 2, 5*time.Second, true)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestPullFromSessionCallbackQueue(t *testing.T) {
	engine := newEngine(t, nil)
	puller := connect(t, engine, "puller", nil)
	_, err := engine.Subscribe(context.Background(), puller, TOPIC_NEWS, nil)
	testlib.AssertError(t, err)
	publish(t, engine, puller, TOPIC_NEWS, "pull me")

	msgs, err := engine.Get(context.Background(), string(puller), "maxEntries=10&consumable=true")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "pull me", string(msgs[0].Content))

	msgs, err = engine.Get(context.Background(), string(puller), "maxEntries=10")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDeadLettersOnDisconnect(t *testing.T) {
	dead := new(deadLetters)
	engine := newEngine(t, dead)
	r := new(receiver)
	name := connect(t, engine, "leaving", r)
	_, err := engine.Subscribe(context.Background(), name, TOPIC_NEWS, nil)
	testlib.AssertError(t, err)
	testlib.AssertError(t, engine.CallbackLost(name, "gone"))

	publish(t, engine, name, TOPIC_NEWS, "undeliverable1")
	publish(t, engine, name, TOPIC_NEWS, "undeliverable2")
	testlib.AssertError(t, engine.Disconnect(name))

	require.Equal(t, 2, dead.count())
	require.Equal(t, 0, r.count())
	_, err = engine.SessionInfo(name)
	require.True(t, errors.Is(err, dispatchapi.ErrSessionNotExist))

	topic, err := engine.GetTopic(TOPIC_NEWS)
	testlib.AssertError(t, err)
	require.Equal(t, 0, topic.NumOfSubscribers())
}

func TestPollingSessionCatchesUpOnReconnect(t *testing.T) {
	engine := newEngine(t, nil)
	r := new(receiver)
	name := connect(t, engine, "flaky", r)
	_, err := engine.Subscribe(context.Background(), name, TOPIC_NEWS, nil)
	testlib.AssertError(t, err)

	r.setFail(true)
	publish(t, engine, name, TOPIC_NEWS, "m1")
	s, err := engine.SessionInfo(name)
	testlib.AssertError(t, err)
	testlib.WaitUntil(t, 2*time.Second, func() bool { return s.DispatchManager().State() == dispatchapi.StatePolling })
	require.Equal(t, int64(1), s.CallbackQueue().NumOfEntries())

	r.setFail(false)
	testlib.AssertError(t, engine.Reconnect(name))
	testlib.WaitUntil(t, 2*time.Second, func() bool { return r.count() == 1 })
	testlib.WaitUntil(t, 2*time.Second, func() bool { return s.CallbackQueue().NumOfEntries() == 0 })
}

func TestReapExpired(t *testing.T) {
	engine := newEngine(t, nil)
	publisher := connect(t, engine, "publisher", nil)
	_, err := engine.Publish(context.Background(), publisher, &dispatchapi.MsgUnit{
		KeyOid:  TOPIC_QUEUE,
		Content: []byte("short lived"),
		Qos:     &dispatchapi.MsgQos{Priority: dispatchapi.NormPriority, LifeTime: 10},
	})
	testlib.AssertError(t, err)
	publish(t, engine, publisher, TOPIC_QUEUE, "forever")
	require.Equal(t, int64(2), historySize(t, engine, TOPIC_QUEUE))

	removed := engine.ReapExpired(time.Now().Add(time.Minute).UnixMilli())
	require.Equal(t, 1, removed)
	require.Equal(t, int64(1), historySize(t, engine, TOPIC_QUEUE))
}

func TestEngineArgumentChecks(t *testing.T) {
	engine := newEngine(t, nil)
	_, err := engine.Connect("joe", nil, nil)
	require.True(t, errors.Is(err, dispatchapi.ErrIllegalArgument))

	name := connect(t, engine, "joe", nil)
	_, err = engine.Connect(name, nil, nil)
	require.True(t, errors.Is(err, dispatchapi.ErrSessionAlreadyExist))

	_, err = engine.Publish(context.Background(), name, &dispatchapi.MsgUnit{})
	require.True(t, errors.Is(err, dispatchapi.ErrIllegalArgument))
	_, err = engine.Publish(context.Background(), name, &dispatchapi.MsgUnit{KeyOid: "x", Qos: &dispatchapi.MsgQos{Priority: 12}})
	require.True(t, errors.Is(err, dispatchapi.ErrIllegalArgument))

	_, err = engine.Subscribe(context.Background(), "client/nobody/session/1", TOPIC_NEWS, nil)
	require.True(t, errors.Is(err, dispatchapi.ErrSessionNotExist))
	require.True(t, errors.Is(engine.Unsubscribe(context.Background(), dispatchapi.SubscriptionId{1, 1}), dispatchapi.ErrSubscriptionNotExist))
	require.True(t, errors.Is(engine.Reconnect(name), dispatchapi.ErrNoCallback))

	testlib.AssertError(t, engine.DefineTopic("defined", nil))
	require.True(t, errors.Is(engine.DefineTopic("defined", nil), dispatchapi.ErrTopicAlreadyExist))
	require.True(t, errors.Is(engine.DefineTopic("bad", &dispatchapi.TopicProperty{Distributor: "Nope"}), dispatchapi.ErrDistributorUnknown))
}
