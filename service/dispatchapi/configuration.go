package dispatchapi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meidoworks/nekodispatch/shared/idgen"
)

type MsgId idgen.IdType
type SubscriptionId idgen.IdType

func (m MsgId) String() string {
	return idgen.IdType(m).HexString()
}

func (s SubscriptionId) String() string {
	return idgen.IdType(s).HexString()
}

func ParseSubscriptionId(s string) (SubscriptionId, error) {
	id, err := idgen.FromHexString(s)
	if err != nil {
		return SubscriptionId{}, IllegalArgument("subscription id %q: %v", s, err)
	}
	return SubscriptionId(id), nil
}

// SessionName is the absolute name of a login session, "client/<subject>/session/<n>".
type SessionName string

const (
	sessionPrefix = "client/"
	topicPrefix   = "topic/"
)

func NewSessionName(subject string, publicSessionId int64) SessionName {
	return SessionName(fmt.Sprint(sessionPrefix, subject, "/session/", publicSessionId))
}

func (s SessionName) String() string {
	return string(s)
}

// Subject is the login name part.
func (s SessionName) Subject() string {
	subject, _, _ := splitSessionName(string(s))
	return subject
}

func ParseSessionName(s string) (SessionName, error) {
	if _, _, ok := splitSessionName(s); !ok {
		return "", IllegalArgument("session name %q must look like client/<subject>/session/<n>", s)
	}
	return SessionName(s), nil
}

func splitSessionName(s string) (string, int64, bool) {
	if !strings.HasPrefix(s, sessionPrefix) {
		return "", 0, false
	}
	parts := strings.Split(strings.TrimPrefix(s, sessionPrefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "session" {
		return "", 0, false
	}
	n, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], n, true
}

// QueueAddress is a parsed queue oid as accepted by Engine.Get:
// "topic/<oid>" addresses the topic history, "client/<subject>/session/<n>" a callback queue.
type QueueAddress struct {
	TopicOid string
	Session  SessionName
}

func ParseQueueAddress(oid string) (QueueAddress, error) {
	switch {
	case strings.HasPrefix(oid, topicPrefix):
		topic := strings.TrimPrefix(oid, topicPrefix)
		if topic == "" {
			return QueueAddress{}, IllegalArgument("empty topic oid in %q", oid)
		}
		return QueueAddress{TopicOid: topic}, nil
	case strings.HasPrefix(oid, sessionPrefix):
		name, err := ParseSessionName(oid)
		if err != nil {
			return QueueAddress{}, err
		}
		return QueueAddress{Session: name}, nil
	default:
		return QueueAddress{}, IllegalArgument("unsupported queue oid %q", oid)
	}
}

type ConnectionState byte

const (
	StateUndef ConnectionState = iota
	StateAlive
	StatePolling
	StateDead
)

func (c ConnectionState) String() string {
	switch c {
	case StateUndef:
		return "UNDEF"
	case StateAlive:
		return "ALIVE"
	case StatePolling:
		return "POLLING"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

const (
	DistributorConsumableQueue = "ConsumableQueue"
	DistributorBroadcast       = "Broadcast"

	QueueTypeRam    = "RAM"
	QueueTypeBadger = "BADGER"

	ClientPropertyMsgDistributorPlugin = "MsgDistributorPlugin"
	ClientPropertyQueueIndex           = "__queueIndex"
	ClientPropertyQueueSize            = "__queueSize"
)

type QueueProperty struct {
	// MaxEntries <= 0 means unlimited
	MaxEntries int64
	// MaxBytes <= 0 means unlimited
	MaxBytes int64
}

type TopicProperty struct {
	// Distributor is "<type>" or "<type>,<version>"; empty selects the broadcast distributor.
	Distributor string
	// HistoryMaxEntries bounds retained messages of broadcast topics, oldest evicted first.
	HistoryMaxEntries int64
	HistoryQueue      QueueProperty
}

type SessionOption struct {
	CallbackQueue QueueProperty
	// BurstMaxEntries and BurstMaxBytes limit one asynchronous callback send.
	BurstMaxEntries int
	BurstMaxBytes   int64
}
