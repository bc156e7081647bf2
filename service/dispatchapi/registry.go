package dispatchapi

import (
	"errors"
	"strings"
	"sync"
)

var (
	registryLock         sync.RWMutex
	queueTypeContainer   = make(map[string]QueueFactory)
	distributorContainer = make(map[string]MsgDistributorFactory)
)

// Register adds a queue factory or a message distributor factory under key.
// Distributor keys are "<type>,<version>".
func Register[T any](key string, v T) error {
	registryLock.Lock()
	defer registryLock.Unlock()

	switch vv := (interface{})(v).(type) {
	case QueueFactory:
		return registerTo(queueTypeContainer, key, vv)
	case func(string, *QueueProperty) (StorageQueue, error):
		return registerTo(queueTypeContainer, key, QueueFactory(vv))
	case MsgDistributorFactory:
		return registerTo(distributorContainer, key, vv)
	case func() MsgDistributor:
		return registerTo(distributorContainer, key, MsgDistributorFactory(vv))
	default:
		panic(errors.New("should not reach here"))
	}
}

func registerTo[V any](m map[string]V, key string, v V) error {
	if _, ok := m[key]; ok {
		return ErrAddonAlreadyExist
	}
	m[key] = v
	return nil
}

func GetQueueFactory(key string) (QueueFactory, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	v, ok := queueTypeContainer[key]
	if !ok {
		return nil, ErrQueueTypeUnknown
	}
	return v, nil
}

// GetDistributorFactory resolves "<type>" or "<type>,<version>".
// A bare type matches the first registered version in lexical order.
func GetDistributorFactory(key string) (MsgDistributorFactory, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	key = strings.TrimSpace(key)
	if v, ok := distributorContainer[key]; ok {
		return v, nil
	}
	if !strings.Contains(key, ",") {
		var best string
		for k := range distributorContainer {
			if strings.HasPrefix(k, key+",") && (best == "" || k < best) {
				best = k
			}
		}
		if best != "" {
			return distributorContainer[best], nil
		}
	}
	return nil, ErrDistributorUnknown
}
