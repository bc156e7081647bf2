package dispatchimpl

import (
	"context"
	"sync"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/timesupplier"
	"github.com/meidoworks/nekodispatch/shared/utils"
	"github.com/meidoworks/nekodispatch/shared/workgroup"
)

var _ dispatchapi.DispatchManager = new(DispatchManager)
var _ dispatchapi.QueueSizeListener = new(DispatchManager)

// DispatchManager tracks the callback connection of one session and pushes its callback queue.
type DispatchManager struct {
	session    dispatchapi.SessionName
	driver     dispatchapi.CallbackDriver
	queue      dispatchapi.StorageQueue
	deadLetter dispatchapi.DeadLetterSink
	option     dispatchapi.SessionOption

	stateLock sync.Mutex
	state     dispatchapi.ConnectionState
	listeners []dispatchapi.ConnectionStatusListener

	// serializes ToAlive notifications only, DeliverSync never takes it
	aliveTransitionLock sync.Mutex

	notifyCh chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newDispatchManager(session dispatchapi.SessionName, driver dispatchapi.CallbackDriver, queue dispatchapi.StorageQueue,
	deadLetter dispatchapi.DeadLetterSink, option dispatchapi.SessionOption) *DispatchManager {
	ctx, cancel := context.WithCancel(context.Background())
	d := &DispatchManager{
		session:    session,
		driver:     driver,
		queue:      queue,
		deadLetter: deadLetter,
		option:     option,
		state:      dispatchapi.StateUndef,
		notifyCh:   make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	if d.option.BurstMaxEntries == 0 {
		d.option.BurstMaxEntries = -1
	}
	if d.option.BurstMaxBytes == 0 {
		d.option.BurstMaxBytes = -1
	}
	return d
}

func (d *DispatchManager) start() error {
	if err := d.queue.AddQueueSizeListener(d); err != nil {
		return err
	}
	workgroup.Named("dispatch:" + string(d.session)).Run(d.run)
	return nil
}

func (d *DispatchManager) SessionName() dispatchapi.SessionName {
	return d.session
}

func (d *DispatchManager) State() dispatchapi.ConnectionState {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.state
}

func (d *DispatchManager) IsAlive() bool {
	return d.State() == dispatchapi.StateAlive
}

func (d *DispatchManager) AddConnectionStatusListener(l dispatchapi.ConnectionStatusListener) bool {
	if l == nil {
		return false
	}
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	for _, v := range d.listeners {
		if v == l {
			return false
		}
	}
	d.listeners = utils.CopyAppendSlice(d.listeners, l)
	return true
}

func (d *DispatchManager) RemoveConnectionStatusListener(l dispatchapi.ConnectionStatusListener) bool {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	var removed bool
	d.listeners, removed = utils.CopyRemoveSlice(d.listeners, func(v dispatchapi.ConnectionStatusListener) bool {
		return v == l
	})
	return removed
}

// switchState returns the previous state and listener snapshot, ok is false when nothing changed.
func (d *DispatchManager) switchState(newState dispatchapi.ConnectionState) (dispatchapi.ConnectionState, []dispatchapi.ConnectionStatusListener, bool) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	old := d.state
	if old == newState || old == dispatchapi.StateDead {
		return old, nil, false
	}
	d.state = newState
	return old, d.listeners, true
}

func (d *DispatchManager) ToAlive() {
	d.aliveTransitionLock.Lock()
	defer d.aliveTransitionLock.Unlock()

	old, listeners, ok := d.switchState(dispatchapi.StateAlive)
	if !ok {
		return
	}
	_dispatchLogger.Infof("session [%s] callback %s -> ALIVE", d.session, old)
	for _, l := range listeners {
		notifyListener(d, func() { l.ToAlive(d, old) })
	}
	d.NotifyAboutNewEntry()
}

func (d *DispatchManager) ToPolling(reason string) {
	old, listeners, ok := d.switchState(dispatchapi.StatePolling)
	if !ok {
		return
	}
	_dispatchLogger.Warnf("session [%s] callback %s -> POLLING: %s", d.session, old, reason)
	for _, l := range listeners {
		notifyListener(d, func() { l.ToPolling(d, old) })
	}
}

// ToDead is terminal: queued entries are handed to the dead letter sink and the worker stops.
func (d *DispatchManager) ToDead(reason string) {
	old, listeners, ok := d.switchState(dispatchapi.StateDead)
	if !ok {
		return
	}
	_dispatchLogger.Warnf("session [%s] callback %s -> DEAD: %s", d.session, old, reason)
	for _, l := range listeners {
		notifyListener(d, func() { l.ToDead(d, old, reason) })
	}
	d.givingUpDelivery(reason)
	d.stop()
}

func notifyListener(d *DispatchManager, fn func()) {
	defer func() {
		if err := recover(); err != nil {
			_dispatchLogger.Errorf("session [%s] connection status listener panic: %v", d.session, err)
		}
	}()
	fn()
}

func (d *DispatchManager) givingUpDelivery(reason string) {
	entries, err := d.queue.Peek(-1, -1)
	if err != nil {
		_dispatchLogger.Errorf("session [%s] peek callback queue for dead letters failed: %v", d.session, err)
		return
	}
	if len(entries) == 0 {
		return
	}
	if d.deadLetter == nil {
		_dispatchLogger.Warnf("session [%s] dropping %d undelivered entries: %s", d.session, len(entries), reason)
	} else if err := d.deadLetter.DeadMessage(context.Background(), d.session, entries, reason); err != nil {
		_dispatchLogger.Errorf("session [%s] dead letter of %d entries failed: %v", d.session, len(entries), err)
	}
	if _, err := d.queue.RemoveRandom(entries); err != nil {
		_dispatchLogger.Errorf("session [%s] removing dead entries failed: %v", d.session, err)
	}
}

func (d *DispatchManager) stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		if err := d.queue.RemoveQueueSizeListener(d); err != nil {
			_dispatchLogger.Errorf("session [%s] remove size listener failed: %v", d.session, err)
		}
	})
}

// DeliverSync sends entries right away. A failed send moves the manager to POLLING.
func (d *DispatchManager) DeliverSync(ctx context.Context, entries []*dispatchapi.MsgUnitWrapper) (int, error) {
	if !d.IsAlive() {
		return 0, dispatchapi.ErrNotAlive
	}
	msgs := prepareMsgs(entries)
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := d.driver.Send(ctx, d.session, msgs); err != nil {
		d.ToPolling(err.Error())
		return 0, dispatchapi.CommunicationError(d.session, err)
	}
	return len(msgs), nil
}

func prepareMsgs(entries []*dispatchapi.MsgUnitWrapper) []*dispatchapi.MsgUnit {
	msgs := make([]*dispatchapi.MsgUnit, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.MsgUnit == nil {
			continue
		}
		msgs = append(msgs, e.MsgUnit.ShallowClone())
	}
	return msgs
}

// Changed wakes the push worker when the callback queue grows.
func (d *DispatchManager) Changed(queue dispatchapi.Queue, numEntries int64, numBytes int64, isShutdown bool) {
	if numEntries > 0 && !isShutdown {
		d.NotifyAboutNewEntry()
	}
}

func (d *DispatchManager) NotifyAboutNewEntry() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *DispatchManager) run() bool {
	for {
		select {
		case <-d.ctx.Done():
			return true
		case <-d.notifyCh:
		}
		d.drain()
	}
}

func (d *DispatchManager) drain() {
	for d.IsAlive() && d.ctx.Err() == nil {
		entries, err := d.queue.Peek(d.option.BurstMaxEntries, d.option.BurstMaxBytes)
		if err != nil {
			_dispatchLogger.Errorf("session [%s] peek callback queue failed: %v", d.session, err)
			return
		}
		if len(entries) == 0 {
			return
		}

		now := timesupplier.CachedUnixMilli()
		var expired, live []*dispatchapi.MsgUnitWrapper
		for _, e := range entries {
			if e.IsExpired(now) {
				expired = append(expired, e)
			} else {
				live = append(live, e)
			}
		}
		if len(expired) > 0 {
			_dispatchLogger.Debugf("session [%s] discarding %d expired callback entries", d.session, len(expired))
		}
		if len(live) > 0 {
			if err := d.driver.Send(d.ctx, d.session, prepareMsgs(live)); err != nil {
				if d.ctx.Err() == nil {
					d.ToPolling(err.Error())
				}
				if len(expired) > 0 {
					_, _ = d.queue.RemoveRandom(expired)
				}
				return
			}
		}
		if _, err := d.queue.RemoveRandom(entries); err != nil {
			_dispatchLogger.Errorf("session [%s] removing delivered entries failed: %v", d.session, err)
			return
		}
	}
}
