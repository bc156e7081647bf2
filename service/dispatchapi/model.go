package dispatchapi

import (
	"strconv"

	"github.com/meidoworks/nekodispatch/shared/idgen"
)

const (
	MinPriority  = 0
	NormPriority = 5
	MaxPriority  = 9

	// entryOverhead approximates the memory of an entry besides key and content
	entryOverhead = 128
)

type RouteInfo struct {
	NodeId    string `json:"node_id" cbor:"1,keyasint"`
	Stratum   int    `json:"stratum" cbor:"2,keyasint"`
	Timestamp int64  `json:"timestamp" cbor:"3,keyasint"`
}

type MsgQos struct {
	Sender           SessionName       `json:"sender" cbor:"1,keyasint"`
	Erased           bool              `json:"erased,omitempty" cbor:"2,keyasint"`
	Priority         int               `json:"priority" cbor:"3,keyasint"`
	RcvTimestamp     int64             `json:"rcv_timestamp" cbor:"4,keyasint"`
	LifeTime         int64             `json:"life_time" cbor:"5,keyasint"`
	ClientProperties map[string]string `json:"client_properties,omitempty" cbor:"6,keyasint"`
	Routes           []RouteInfo       `json:"routes,omitempty" cbor:"7,keyasint"`

	QueueIndex int   `json:"queue_index" cbor:"-"`
	QueueSize  int64 `json:"queue_size" cbor:"-"`
}

func (q *MsgQos) Clone() *MsgQos {
	if q == nil {
		return nil
	}
	c := *q
	if q.ClientProperties != nil {
		c.ClientProperties = make(map[string]string, len(q.ClientProperties))
		for k, v := range q.ClientProperties {
			c.ClientProperties[k] = v
		}
	}
	if q.Routes != nil {
		c.Routes = append([]RouteInfo(nil), q.Routes...)
	}
	return &c
}

func (q *MsgQos) SetClientProperty(key, value string) {
	if q.ClientProperties == nil {
		q.ClientProperties = make(map[string]string)
	}
	q.ClientProperties[key] = value
}

func (q *MsgQos) ClientProperty(key string) (string, bool) {
	v, ok := q.ClientProperties[key]
	return v, ok
}

// ExpiresAt returns the expiry timestamp in millis, 0 when the message never expires.
func (q *MsgQos) ExpiresAt() int64 {
	if q == nil || q.LifeTime <= 0 {
		return 0
	}
	return q.RcvTimestamp + q.LifeTime
}

func (q *MsgQos) IsExpired(nowMillis int64) bool {
	exp := q.ExpiresAt()
	return exp > 0 && exp <= nowMillis
}

// StampQueueInfo records position and queue size on a result copy.
func (q *MsgQos) StampQueueInfo(index int, size int64) {
	q.QueueIndex = index
	q.QueueSize = size
	q.SetClientProperty(ClientPropertyQueueIndex, strconv.Itoa(index))
	q.SetClientProperty(ClientPropertyQueueSize, strconv.FormatInt(size, 10))
}

type MsgUnit struct {
	KeyOid  string  `json:"key_oid" cbor:"1,keyasint"`
	Content []byte  `json:"content" cbor:"2,keyasint"`
	Qos     *MsgQos `json:"qos" cbor:"3,keyasint"`
}

// ShallowClone shares the content and copies the qos.
func (m *MsgUnit) ShallowClone() *MsgUnit {
	return &MsgUnit{
		KeyOid:  m.KeyOid,
		Content: m.Content,
		Qos:     m.Qos.Clone(),
	}
}

// MsgUnitWrapper is a queue entry.
// History entries carry a zero SubscriptionId, callback entries carry the receiving subscription.
type MsgUnitWrapper struct {
	UniqueId       MsgId          `cbor:"1,keyasint"`
	SubscriptionId SubscriptionId `cbor:"2,keyasint"`
	Receiver       SessionName    `cbor:"3,keyasint"`
	MsgUnit        *MsgUnit       `cbor:"4,keyasint"`
}

func (w *MsgUnitWrapper) SizeInBytes() int64 {
	return int64(len(w.MsgUnit.Content)+len(w.MsgUnit.KeyOid)) + entryOverhead
}

func (w *MsgUnitWrapper) Priority() int {
	if w.MsgUnit.Qos == nil {
		return NormPriority
	}
	return w.MsgUnit.Qos.Priority
}

func (w *MsgUnitWrapper) IsExpired(nowMillis int64) bool {
	return w.MsgUnit.Qos != nil && w.MsgUnit.Qos.IsExpired(nowMillis)
}

func (w *MsgUnitWrapper) IsErased() bool {
	return w.MsgUnit.Qos != nil && w.MsgUnit.Qos.Erased
}

// Less orders entries for delivery: higher priority first, then arrival.
func (w *MsgUnitWrapper) Less(o *MsgUnitWrapper) bool {
	if p1, p2 := w.Priority(), o.Priority(); p1 != p2 {
		return p1 > p2
	}
	return idgen.IdType(w.UniqueId).CompareTo(idgen.IdType(o.UniqueId)) < 0
}

type QueryQos struct {
	// WantLocal false suppresses messages published by the subscriber's own session.
	WantLocal bool `json:"want_local"`
	// WantNotify false suppresses erase notifications.
	WantNotify bool `json:"want_notify"`
	// WantInitialUpdate delivers retained history of broadcast topics on subscribe.
	WantInitialUpdate bool `json:"want_initial_update"`
}

func DefaultQueryQos() *QueryQos {
	return &QueryQos{
		WantLocal:         true,
		WantNotify:        true,
		WantInitialUpdate: true,
	}
}

type SubscriptionInfo struct {
	Id       SubscriptionId
	TopicOid string
	Session  Session
	Qos      *QueryQos
}
