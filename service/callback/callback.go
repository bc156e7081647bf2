package callback

import (
	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/logging"
)

var _callbackLogger = logging.NewLogger("Callback")

// UpdateRequest is the payload pushed to a callback endpoint.
type UpdateRequest struct {
	Receiver dispatchapi.SessionName `json:"receiver"`
	Messages []*dispatchapi.MsgUnit  `json:"messages"`
}
