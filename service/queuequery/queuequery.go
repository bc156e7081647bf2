package queuequery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/logging"
	"github.com/meidoworks/nekodispatch/shared/timesupplier"
)

var _queryLogger = logging.NewLogger("QueueQuery")

var ErrPluginShutdown = errors.New("queue query plugin already shutdown")

var _ dispatchapi.QueueSizeListener = new(QueueQueryPlugin)

type Option func(p *QueueQueryPlugin)

// WithClock replaces the cached clock used for expiry checks.
func WithClock(nowMillis func() int64) Option {
	return func(p *QueueQueryPlugin) {
		p.nowMillis = nowMillis
	}
}

// QueueQueryPlugin answers synchronous queue queries, optionally waiting
// until the queue holds enough entries.
type QueueQueryPlugin struct {
	lock     sync.Mutex
	waiters  map[dispatchapi.Queue]map[*waitingQuery]struct{}
	shutdown bool

	nowMillis func() int64
}

type waitingQuery struct {
	queue dispatchapi.Queue
	spec  *QuerySpec

	once   sync.Once
	signal chan struct{}
}

func (w *waitingQuery) wake() {
	w.once.Do(func() {
		close(w.signal)
	})
}

func NewQueueQueryPlugin(options ...Option) *QueueQueryPlugin {
	p := &QueueQueryPlugin{
		waiters:   make(map[dispatchapi.Queue]map[*waitingQuery]struct{}),
		nowMillis: timesupplier.CachedUnixMilli,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Query returns entries of queue as described by query.
// A timeout or ctx cancellation ends the wait and returns what is available, not an error.
func (p *QueueQueryPlugin) Query(ctx context.Context, queue dispatchapi.Queue, query string) ([]*dispatchapi.MsgUnit, error) {
	if queue == nil {
		return nil, dispatchapi.IllegalArgument("query on nil queue")
	}
	spec, err := ParseQuerySpec(query)
	if err != nil {
		return nil, err
	}
	return p.QueryWithSpec(ctx, queue, spec)
}

func (p *QueueQueryPlugin) QueryWithSpec(ctx context.Context, queue dispatchapi.Queue, spec *QuerySpec) ([]*dispatchapi.MsgUnit, error) {
	if queue == nil {
		return nil, dispatchapi.IllegalArgument("query on nil queue")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.WaitingDelay != 0 && !queue.IsShutdown() && spec.NeedsWaiting(queue.NumOfEntries(), queue.NumOfBytes()) {
		p.waitFor(ctx, queue, spec)
	}
	return p.collect(queue, spec)
}

func (p *QueueQueryPlugin) waitFor(ctx context.Context, queue dispatchapi.Queue, spec *QuerySpec) {
	w := &waitingQuery{
		queue:  queue,
		spec:   spec,
		signal: make(chan struct{}),
	}
	if err := p.register(w); err != nil {
		_queryLogger.Warnf("query on queue [%s] does not wait: %v", queue.StorageId(), err)
		return
	}
	defer p.deregister(w)

	// entries may have arrived or the queue may have shut down between the first check and the registration
	if queue.IsShutdown() || !spec.NeedsWaiting(queue.NumOfEntries(), queue.NumOfBytes()) {
		return
	}

	var timeout <-chan time.Time
	if spec.WaitingDelay > 0 {
		timer := time.NewTimer(time.Duration(spec.WaitingDelay) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-w.signal:
	case <-timeout:
	case <-ctx.Done():
		_queryLogger.Debugf("query on queue [%s] interrupted: %v", queue.StorageId(), ctx.Err())
	}
}

func (p *QueueQueryPlugin) register(w *waitingQuery) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.shutdown {
		return ErrPluginShutdown
	}
	set, ok := p.waiters[w.queue]
	if !ok {
		if err := w.queue.AddQueueSizeListener(p); err != nil {
			return err
		}
		set = make(map[*waitingQuery]struct{})
		p.waiters[w.queue] = set
	}
	set[w] = struct{}{}
	return nil
}

func (p *QueueQueryPlugin) deregister(w *waitingQuery) {
	p.lock.Lock()
	defer p.lock.Unlock()
	set, ok := p.waiters[w.queue]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(p.waiters, w.queue)
		if err := w.queue.RemoveQueueSizeListener(p); err != nil {
			_queryLogger.Errorf("remove size listener from queue [%s] failed: %v", w.queue.StorageId(), err)
		}
	}
}

// Changed wakes every waiter of queue whose threshold is now met, or all of them on shutdown.
func (p *QueueQueryPlugin) Changed(queue dispatchapi.Queue, numEntries int64, numBytes int64, isShutdown bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for w := range p.waiters[queue] {
		if isShutdown || !w.spec.NeedsWaiting(numEntries, numBytes) {
			w.wake()
		}
	}
}

func (p *QueueQueryPlugin) collect(queue dispatchapi.Queue, spec *QuerySpec) ([]*dispatchapi.MsgUnit, error) {
	maxEntries := spec.MaxEntries
	if maxEntries < 0 {
		maxEntries = -1
	}
	entries, err := queue.Peek(maxEntries, spec.MaxSize)
	if err != nil {
		return nil, err
	}

	now := p.nowMillis()
	valid := make([]*dispatchapi.MsgUnitWrapper, 0, len(entries))
	var expired []*dispatchapi.MsgUnitWrapper
	for _, e := range entries {
		if e.IsExpired(now) {
			expired = append(expired, e)
		} else {
			valid = append(valid, e)
		}
	}
	if len(expired) > 0 {
		if _, err := queue.RemoveRandom(expired); err != nil {
			_queryLogger.Errorf("removing %d expired entries from queue [%s] failed: %v", len(expired), queue.StorageId(), err)
		}
	}

	queueSize := queue.NumOfEntries()
	if spec.Consumable {
		valid, err = claim(queue, valid)
		if err != nil {
			return nil, err
		}
	}

	result := make([]*dispatchapi.MsgUnit, 0, len(valid))
	for i, e := range valid {
		msg := e.MsgUnit.ShallowClone()
		if msg.Qos == nil {
			msg.Qos = &dispatchapi.MsgQos{Priority: dispatchapi.NormPriority}
		}
		if len(msg.Qos.Routes) == 1 {
			msg.Qos.Routes = nil
		}
		msg.Qos.StampQueueInfo(i, queueSize)
		result = append(result, msg)
	}
	return result, nil
}

// claim removes entries one by one and keeps those this call removed,
// an entry taken by a concurrent consumer in between is skipped.
func claim(queue dispatchapi.Queue, entries []*dispatchapi.MsgUnitWrapper) ([]*dispatchapi.MsgUnitWrapper, error) {
	claimed := make([]*dispatchapi.MsgUnitWrapper, 0, len(entries))
	for _, e := range entries {
		n, err := queue.RemoveRandom([]*dispatchapi.MsgUnitWrapper{e})
		if err != nil {
			if len(claimed) == 0 {
				return nil, err
			}
			_queryLogger.Errorf("claiming entry %s from queue [%s] failed, returning %d claimed: %v", e.UniqueId, queue.StorageId(), len(claimed), err)
			break
		}
		if n == 1 {
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

// NumWaiters counts the queries currently blocked on queue.
func (p *QueueQueryPlugin) NumWaiters(queue dispatchapi.Queue) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.waiters[queue])
}

// Shutdown wakes all waiters. Later queries return without waiting.
func (p *QueueQueryPlugin) Shutdown() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.shutdown {
		return
	}
	p.shutdown = true
	for _, set := range p.waiters {
		for w := range set {
			w.wake()
		}
	}
}
