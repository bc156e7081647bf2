package dispatchimpl

import (
	"github.com/meidoworks/nekodispatch/service/dispatchapi"
)

var _ dispatchapi.Session = new(Session)

type Session struct {
	name            dispatchapi.SessionName
	callbackQueue   dispatchapi.StorageQueue
	dispatchManager *DispatchManager
}

func (s *Session) SessionName() dispatchapi.SessionName {
	return s.name
}

func (s *Session) HasCallback() bool {
	return s.dispatchManager != nil
}

func (s *Session) DispatchManager() dispatchapi.DispatchManager {
	// avoid a typed nil inside the interface
	if s.dispatchManager == nil {
		return nil
	}
	return s.dispatchManager
}

func (s *Session) CallbackQueue() dispatchapi.StorageQueue {
	return s.callbackQueue
}
