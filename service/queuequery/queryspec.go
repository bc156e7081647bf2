package queuequery

import (
	"strconv"
	"strings"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
)

const (
	KeyMaxEntries   = "maxEntries"
	KeyMaxSize      = "maxSize"
	KeyConsumable   = "consumable"
	KeyWaitingDelay = "waitingDelay"

	DefaultMaxEntries   = 1
	DefaultMaxSize      = -1
	DefaultWaitingDelay = 0
)

// QuerySpec is the parsed form of "maxEntries=3&maxSize=-1&consumable=true&waitingDelay=1000".
type QuerySpec struct {
	// MaxEntries caps the result and is the wait threshold, negative means unlimited.
	MaxEntries int
	// MaxSize only supports the default -1.
	MaxSize    int64
	Consumable bool
	// WaitingDelay in millis: 0 returns at once, negative waits forever.
	WaitingDelay int64
}

func DefaultQuerySpec() *QuerySpec {
	return &QuerySpec{
		MaxEntries:   DefaultMaxEntries,
		MaxSize:      DefaultMaxSize,
		WaitingDelay: DefaultWaitingDelay,
	}
}

// ParseQuerySpec parses and validates a query string. Unknown keys are ignored.
func ParseQuerySpec(query string) (*QuerySpec, error) {
	spec := DefaultQuerySpec()
	for _, pair := range strings.Split(query, "&") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, dispatchapi.IllegalArgument("query pair %q has no value", pair)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var err error
		switch key {
		case KeyMaxEntries:
			spec.MaxEntries, err = strconv.Atoi(value)
		case KeyMaxSize:
			spec.MaxSize, err = strconv.ParseInt(value, 10, 64)
		case KeyConsumable:
			spec.Consumable, err = strconv.ParseBool(value)
		case KeyWaitingDelay:
			spec.WaitingDelay, err = strconv.ParseInt(value, 10, 64)
		default:
			_queryLogger.Debugf("ignoring unknown query key [%s]", key)
		}
		if err != nil {
			return nil, dispatchapi.IllegalArgument("query key %s: %v", key, err)
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (q *QuerySpec) Validate() error {
	if q.MaxSize != DefaultMaxSize {
		return dispatchapi.IllegalArgument("maxSize=%d is not supported, only %d", q.MaxSize, DefaultMaxSize)
	}
	// an indefinite wait needs a threshold to ever finish
	if q.WaitingDelay != 0 && q.MaxEntries < 1 && q.MaxSize < 1 && q.WaitingDelay < 0 {
		return dispatchapi.IllegalArgument("waitingDelay=%d without maxEntries or maxSize would block forever", q.WaitingDelay)
	}
	return nil
}

// NeedsWaiting reports whether a configured threshold is still unmet.
// Without any threshold it always needs waiting.
func (q *QuerySpec) NeedsWaiting(numEntries, numBytes int64) bool {
	entriesShort := true
	if q.MaxEntries > 0 {
		entriesShort = numEntries < int64(q.MaxEntries)
	}
	bytesShort := true
	if q.MaxSize > 0 {
		bytesShort = numBytes < q.MaxSize
	}
	return entriesShort && bytesShort
}

func (q *QuerySpec) String() string {
	return KeyMaxEntries + "=" + strconv.Itoa(q.MaxEntries) +
		"&" + KeyMaxSize + "=" + strconv.FormatInt(q.MaxSize, 10) +
		"&" + KeyConsumable + "=" + strconv.FormatBool(q.Consumable) +
		"&" + KeyWaitingDelay + "=" + strconv.FormatInt(q.WaitingDelay, 10)
}
