package dispatchapi

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalArgument = errors.New("illegal argument")
	ErrInternal        = errors.New("internal error")

	ErrTopicNotExist        = errors.New("topic not exists")
	ErrSessionNotExist      = errors.New("session not exists")
	ErrSubscriptionNotExist = errors.New("subscription not exists")

	ErrTopicAlreadyExist   = errors.New("topic already exists")
	ErrSessionAlreadyExist = errors.New("session already exists")

	ErrNotAlive      = errors.New("dispatch manager not alive")
	ErrDispatchDead  = errors.New("dispatch manager is dead")
	ErrCommunication = errors.New("callback communication failure")
	ErrNoCallback    = errors.New("session has no callback")

	ErrQueueOverflow = errors.New("queue overflow")
	ErrQueueShutdown = errors.New("queue already shutdown")

	ErrDistributorUnknown = errors.New("message distributor unknown")
	ErrDistributorDead    = errors.New("message distributor already shutdown")
	ErrQueueTypeUnknown   = errors.New("queue type unknown")

	ErrAddonAlreadyExist = errors.New("addon already exists")

	ErrEngineShutdown = errors.New("engine already shutdown")
)

func IllegalArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIllegalArgument, fmt.Sprintf(format, args...))
}

func CommunicationError(receiver SessionName, cause error) error {
	return fmt.Errorf("%w: deliver to %s: %v", ErrCommunication, receiver, cause)
}
