package dispatchapi

import "context"

type ConnectionStatusListener interface {
	ToAlive(dm DispatchManager, oldState ConnectionState)
	ToPolling(dm DispatchManager, oldState ConnectionState)
	ToDead(dm DispatchManager, oldState ConnectionState, reason string)
}

type DispatchManager interface {
	SessionName() SessionName
	State() ConnectionState
	IsAlive() bool

	// AddConnectionStatusListener returns true when l was not registered before.
	AddConnectionStatusListener(l ConnectionStatusListener) bool
	// RemoveConnectionStatusListener returns true when l was registered.
	RemoveConnectionStatusListener(l ConnectionStatusListener) bool
}

type Session interface {
	SessionName() SessionName
	HasCallback() bool
	// DispatchManager is nil for sessions without callback.
	DispatchManager() DispatchManager
	CallbackQueue() StorageQueue
}

type CallbackDriver interface {
	Protocol() string
	// Send delivers msgs to the receiver and returns after the receiver accepted them.
	Send(ctx context.Context, receiver SessionName, msgs []*MsgUnit) error
	Close() error
}

type DeadLetterSink interface {
	DeadMessage(ctx context.Context, receiver SessionName, entries []*MsgUnitWrapper, reason string) error
}

// TopicHandler is the topic view handed to distributors.
type TopicHandler interface {
	Oid() string
	// SubscriptionInfoArr returns a snapshot which must not be modified.
	SubscriptionInfoArr() []*SubscriptionInfo
	// MayReceive applies the local and erase-notify filters of the subscription.
	MayReceive(sub *SubscriptionInfo, msg *MsgUnitWrapper) bool

	// InvokeCallback delivers synchronously, returns the number of messages accepted.
	InvokeCallback(ctx context.Context, sub *SubscriptionInfo, msg *MsgUnitWrapper) (int, error)
	// QueueCallback puts an update entry into the subscriber's callback queue.
	QueueCallback(ctx context.Context, sub *SubscriptionInfo, msg *MsgUnitWrapper) error

	RemoveFromHistory(msg *MsgUnitWrapper) error
	PeekHistory(maxEntries int, maxBytes int64) ([]*MsgUnitWrapper, error)
}

type MsgDistributor interface {
	Type() string
	Version() string

	Init(topic TopicHandler) error
	// SyncDistribution returns how many subscribers received msg.
	SyncDistribution(ctx context.Context, msg *MsgUnitWrapper) (int, error)
	OnAddSubscriber(sub *SubscriptionInfo)
	OnRemoveSubscriber(sub *SubscriptionInfo)
	Shutdown()
}

type MsgDistributorFactory func() MsgDistributor

type engineLifecycle interface {
	Start() error
	Shutdown(ctx context.Context) error
}

type engineManagement interface {
	DefineTopic(oid string, property *TopicProperty) error
	Connect(name SessionName, driver CallbackDriver, option *SessionOption) (Session, error)
	Disconnect(name SessionName) error
	// Reconnect marks the callback of an existing session reachable again.
	Reconnect(name SessionName) error
	// CallbackLost marks the callback unreachable, queued entries wait for Reconnect.
	CallbackLost(name SessionName, reason string) error
	SessionInfo(name SessionName) (Session, error)

	Publish(ctx context.Context, sender SessionName, msg *MsgUnit) (MsgId, error)
	Subscribe(ctx context.Context, name SessionName, topicOid string, qos *QueryQos) (SubscriptionId, error)
	Unsubscribe(ctx context.Context, id SubscriptionId) error
	Erase(ctx context.Context, sender SessionName, topicOid string) error

	// Get runs a queue query against "topic/<oid>" or "client/<subject>/session/<n>".
	Get(ctx context.Context, queueOid string, query string) ([]*MsgUnit, error)
}

type Engine interface {
	engineLifecycle
	engineManagement
}
