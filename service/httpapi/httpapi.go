package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/meidoworks/nekodispatch/service/callback"
	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/logging"
	"github.com/meidoworks/nekodispatch/shared/thirdpartyshared/ginshared"
	"github.com/meidoworks/nekodispatch/shared/workgroup"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"
)

var _httpLogger = logging.NewLogger("HttpApi")

type Option struct {
	Listen string
	// MaxConnections <= 0 leaves connections unlimited
	MaxConnections int

	Callback callback.HttpDriverOption
}

type HttpService struct {
	option Option
	engine dispatchapi.Engine
	hub    *callback.WebsocketHub

	router *gin.Engine
	server *http.Server

	addr     net.Addr
	addrLock sync.Mutex
}

func NewHttpService(engine dispatchapi.Engine, hub *callback.WebsocketHub, option *Option) *HttpService {
	s := &HttpService{
		option: *option,
		engine: engine,
		hub:    hub,
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginshared.ErrorResponder(StatusOf))
	s.registerHandler(router)
	s.router = router
	s.server = ginshared.NewBareMetalGinServer(router)
	return s
}

func (s *HttpService) Handler() http.Handler {
	return s.router
}

// StartService listens on the configured address and serves in the background.
func (s *HttpService) StartService() error {
	l, err := net.Listen("tcp", s.option.Listen)
	if err != nil {
		return err
	}
	if s.option.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.option.MaxConnections)
	}
	s.addrLock.Lock()
	s.addr = l.Addr()
	s.addrLock.Unlock()

	workgroup.Named("http-api").Run(func() bool {
		if err := ginshared.ServeBareMetalGinServer(s.server, l); err != nil {
			_httpLogger.Errorf("http api on %s stopped: %v", l.Addr(), err)
		}
		return true
	})
	_httpLogger.Infof("http api listening on %s", l.Addr())
	return nil
}

// Addr is the bound address after StartService.
func (s *HttpService) Addr() net.Addr {
	s.addrLock.Lock()
	defer s.addrLock.Unlock()
	return s.addr
}

func (s *HttpService) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		_ = s.hub.Close()
	}
	return s.server.Shutdown(ctx)
}

// StatusOf maps dispatch errors to http status codes.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, dispatchapi.ErrIllegalArgument),
		errors.Is(err, dispatchapi.ErrDistributorUnknown),
		errors.Is(err, dispatchapi.ErrNoCallback):
		return http.StatusBadRequest
	case errors.Is(err, dispatchapi.ErrTopicNotExist),
		errors.Is(err, dispatchapi.ErrSessionNotExist),
		errors.Is(err, dispatchapi.ErrSubscriptionNotExist):
		return http.StatusNotFound
	case errors.Is(err, dispatchapi.ErrSessionAlreadyExist),
		errors.Is(err, dispatchapi.ErrTopicAlreadyExist):
		return http.StatusConflict
	case errors.Is(err, dispatchapi.ErrQueueOverflow):
		return http.StatusInsufficientStorage
	case errors.Is(err, dispatchapi.ErrEngineShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func callbackOption(option *Option) *callback.HttpDriverOption {
	o := option.Callback
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return &o
}
