package callback

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/utils"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const WebsocketSubprotocol = "nekodispatch"

var ErrNotConnected = errors.New("websocket callback not connected")

var _ dispatchapi.CallbackDriver = new(WebsocketHub)

// WebsocketHub is one CallbackDriver for all sessions connected by websocket.
// A session is ALIVE while its websocket is open and POLLING after it closed.
type WebsocketHub struct {
	engine dispatchapi.Engine

	conns     map[dispatchapi.SessionName]*websocket.Conn
	basicLock sync.Mutex
}

func NewWebsocketHub(engine dispatchapi.Engine) *WebsocketHub {
	return &WebsocketHub{
		engine: engine,
		conns:  make(map[dispatchapi.SessionName]*websocket.Conn),
	}
}

func (h *WebsocketHub) Protocol() string {
	return "WEBSOCKET"
}

func (h *WebsocketHub) Send(ctx context.Context, receiver dispatchapi.SessionName, msgs []*dispatchapi.MsgUnit) error {
	h.basicLock.Lock()
	c, ok := h.conns[receiver]
	h.basicLock.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, c, &UpdateRequest{Receiver: receiver, Messages: msgs})
}

func (h *WebsocketHub) Close() error {
	h.basicLock.Lock()
	conns := h.conns
	h.conns = make(map[dispatchapi.SessionName]*websocket.Conn)
	h.basicLock.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutdown")
	}
	return nil
}

func (h *WebsocketHub) IsConnected(name dispatchapi.SessionName) bool {
	h.basicLock.Lock()
	defer h.basicLock.Unlock()
	_, ok := h.conns[name]
	return ok
}

// ServeSession upgrades the request and keeps the session callback open until the peer leaves.
func (h *WebsocketHub) ServeSession(w http.ResponseWriter, r *http.Request, name dispatchapi.SessionName) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{WebsocketSubprotocol},
	})
	if err != nil {
		_callbackLogger.Errorf("websocket accept for [%s] failed: %v", name, err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "callback closed")

	if c.Subprotocol() != WebsocketSubprotocol {
		c.Close(websocket.StatusPolicyViolation, "client must speak the "+WebsocketSubprotocol+" subprotocol")
		return
	}

	h.basicLock.Lock()
	if _, ok := h.conns[name]; ok {
		h.basicLock.Unlock()
		c.Close(websocket.StatusPolicyViolation, "session already has a websocket callback")
		return
	}
	h.conns = utils.CopyAddMap(h.conns, name, c)
	h.basicLock.Unlock()

	if err := h.attach(name); err != nil {
		h.detach(name, c)
		c.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	_callbackLogger.Infof("websocket callback of [%s] connected from %s", name, r.RemoteAddr)

	// the peer only sends control frames and acknowledgements
	ctx := c.CloseRead(r.Context())
	<-ctx.Done()

	h.detach(name, c)
	if err := h.engine.CallbackLost(name, "websocket closed"); err != nil && !errors.Is(err, dispatchapi.ErrSessionNotExist) {
		_callbackLogger.Errorf("mark [%s] polling failed: %v", name, err)
	}
	_callbackLogger.Infof("websocket callback of [%s] closed", name)
}

func (h *WebsocketHub) attach(name dispatchapi.SessionName) error {
	_, err := h.engine.Connect(name, h, nil)
	if errors.Is(err, dispatchapi.ErrSessionAlreadyExist) {
		return h.engine.Reconnect(name)
	}
	return err
}

func (h *WebsocketHub) detach(name dispatchapi.SessionName, c *websocket.Conn) {
	h.basicLock.Lock()
	defer h.basicLock.Unlock()
	if h.conns[name] == c {
		h.conns = utils.CopyRemoveMap(h.conns, name)
	}
}
