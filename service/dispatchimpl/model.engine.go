package dispatchimpl

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/service/queuequery"
	"github.com/meidoworks/nekodispatch/shared/idgen"
	"github.com/meidoworks/nekodispatch/shared/timesupplier"
	"github.com/meidoworks/nekodispatch/shared/workgroup"
)

var _ dispatchapi.Engine = new(Engine)

type EngineOption struct {
	NodeId int16

	// DefaultDistributor is used by topics created on first publish or subscribe.
	DefaultDistributor string
	// Topics holds properties of topics known by configuration.
	Topics map[string]*dispatchapi.TopicProperty
	// DefaultHistoryMaxEntries applies to broadcast topics without explicit history limit.
	DefaultHistoryMaxEntries int64

	HistoryQueueType  string
	CallbackQueueType string
	Session           dispatchapi.SessionOption

	DeadLetter     dispatchapi.DeadLetterSink
	ReaperInterval time.Duration

	QueryPlugin *queuequery.QueueQueryPlugin
}

// Engine holds topics and sessions and routes publishes, subscriptions and queries.
type Engine struct {
	option EngineOption

	topicMap        map[string]*Topic
	sessionMap      map[dispatchapi.SessionName]*Session
	subscriptionMap map[dispatchapi.SubscriptionId]*Topic
	basicLock       sync.Mutex

	msgIdGen   *idgen.IdGen
	entryIdGen *idgen.IdGen
	subIdGen   *idgen.IdGen

	queryPlugin *queuequery.QueueQueryPlugin

	started  int32
	shutdown int32
	stopCh   chan struct{}
}

func NewEngine(option *EngineOption) *Engine {
	e := new(Engine)
	e.option = *option
	if e.option.DefaultDistributor == "" {
		e.option.DefaultDistributor = dispatchapi.DistributorBroadcast
	}
	if e.option.DefaultHistoryMaxEntries == 0 {
		e.option.DefaultHistoryMaxEntries = 1
	}
	if e.option.HistoryQueueType == "" {
		e.option.HistoryQueueType = dispatchapi.QueueTypeRam
	}
	if e.option.CallbackQueueType == "" {
		e.option.CallbackQueueType = dispatchapi.QueueTypeRam
	}
	if e.option.ReaperInterval <= 0 {
		e.option.ReaperInterval = time.Second
	}
	if e.option.Topics == nil {
		e.option.Topics = make(map[string]*dispatchapi.TopicProperty)
	}
	e.queryPlugin = e.option.QueryPlugin
	if e.queryPlugin == nil {
		e.queryPlugin = queuequery.NewQueueQueryPlugin()
	}
	e.topicMap = make(map[string]*Topic)
	e.sessionMap = make(map[dispatchapi.SessionName]*Session)
	e.subscriptionMap = make(map[dispatchapi.SubscriptionId]*Topic)
	e.msgIdGen = idgen.NewIdGen(option.NodeId, 1)
	e.entryIdGen = idgen.NewIdGen(option.NodeId, 2)
	e.subIdGen = idgen.NewIdGen(option.NodeId, 3)
	e.stopCh = make(chan struct{})
	return e
}

func (e *Engine) Start() error {
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		return nil
	}
	workgroup.Named("expiry-reaper").Run(e.reaperLoop)
	LogInfo("dispatch engine started, default distributor:", e.option.DefaultDistributor)
	return nil
}

// Shutdown stops background work and releases queues. Persistent queues keep their entries.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.shutdown, 0, 1) {
		return nil
	}
	close(e.stopCh)
	e.queryPlugin.Shutdown()

	e.basicLock.Lock()
	topics := e.topicMap
	sessions := e.sessionMap
	e.basicLock.Unlock()

	for _, t := range topics {
		t.shutdown()
	}
	for _, s := range sessions {
		if s.dispatchManager != nil {
			s.dispatchManager.stop()
		}
		if err := s.callbackQueue.Shutdown(); err != nil {
			LogError("shutdown callback queue of", s.name, "failed:", err)
		}
	}
	LogInfo("dispatch engine stopped")
	return ctx.Err()
}

func (e *Engine) isShutdown() bool {
	return atomic.LoadInt32(&e.shutdown) == 1
}

func (e *Engine) reaperLoop() bool {
	ticker := time.NewTicker(e.option.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return true
		case <-ticker.C:
			e.ReapExpired(timesupplier.CachedUnixMilli())
		}
	}
}

// ReapExpired removes entries expired at nowMillis from all history and callback queues.
func (e *Engine) ReapExpired(nowMillis int64) int {
	e.basicLock.Lock()
	topics := e.topicMap
	sessions := e.sessionMap
	e.basicLock.Unlock()

	var queues []dispatchapi.StorageQueue
	for _, t := range topics {
		queues = append(queues, t.history)
	}
	for _, s := range sessions {
		queues = append(queues, s.callbackQueue)
	}

	total := 0
	for _, q := range queues {
		next := q.NextExpiry()
		if next == 0 || next > nowMillis {
			continue
		}
		removed, err := q.RemoveExpired(nowMillis)
		if err != nil {
			LogError("reaping queue", q.StorageId(), "failed:", err)
			continue
		}
		if len(removed) > 0 {
			LogDebug("reaped", len(removed), "expired entries from", q.StorageId())
		}
		total += len(removed)
	}
	return total
}

func (e *Engine) newQueue(queueType, storageId string, property *dispatchapi.QueueProperty) (dispatchapi.StorageQueue, error) {
	factory, err := dispatchapi.GetQueueFactory(queueType)
	if err != nil {
		return nil, err
	}
	return factory(storageId, property)
}

func historyStorageId(oid string) string {
	return "history:" + url.PathEscape(oid)
}

func callbackStorageId(name dispatchapi.SessionName) string {
	return "callback:" + url.PathEscape(string(name))
}

// QueryPlugin exposes the plugin used by Get.
func (e *Engine) QueryPlugin() *queuequery.QueueQueryPlugin {
	return e.queryPlugin
}

func (e *Engine) GetTopic(oid string) (*Topic, error) {
	e.basicLock.Lock()
	defer e.basicLock.Unlock()
	t, ok := e.topicMap[oid]
	if !ok {
		return nil, dispatchapi.ErrTopicNotExist
	}
	return t, nil
}

func (e *Engine) SessionInfo(name dispatchapi.SessionName) (dispatchapi.Session, error) {
	s, err := e.getSession(name)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) getSession(name dispatchapi.SessionName) (*Session, error) {
	e.basicLock.Lock()
	defer e.basicLock.Unlock()
	s, ok := e.sessionMap[name]
	if !ok {
		return nil, dispatchapi.ErrSessionNotExist
	}
	return s, nil
}
