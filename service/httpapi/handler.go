package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/meidoworks/nekodispatch/service/callback"
	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/shared/thirdpartyshared/ginshared"

	"github.com/gin-gonic/gin"
)

type ConnectRequest struct {
	CallbackUrl string `json:"callback_url"`
}

type SessionResponse struct {
	Session     dispatchapi.SessionName `json:"session"`
	HasCallback bool                    `json:"has_callback"`
	State       string                  `json:"state"`
}

type PublishResponse struct {
	Id string `json:"id"`
}

type SubscribeRequest struct {
	Session           dispatchapi.SessionName `json:"session"`
	WantLocal         *bool                   `json:"want_local"`
	WantNotify        *bool                   `json:"want_notify"`
	WantInitialUpdate *bool                   `json:"want_initial_update"`
}

type SubscribeResponse struct {
	Id string `json:"id"`
}

func sessionNameOf(ctx *gin.Context) (dispatchapi.SessionName, error) {
	subject := ctx.Param("subject")
	n, err := strconv.ParseInt(ctx.Param("session"), 10, 64)
	if err != nil || subject == "" {
		return "", dispatchapi.IllegalArgument("invalid session %s/%s", subject, ctx.Param("session"))
	}
	return dispatchapi.NewSessionName(subject, n), nil
}

func sessionResponse(s dispatchapi.Session) *SessionResponse {
	r := &SessionResponse{
		Session:     s.SessionName(),
		HasCallback: s.HasCallback(),
		State:       dispatchapi.StateUndef.String(),
	}
	if dm := s.DispatchManager(); dm != nil {
		r.State = dm.State().String()
	}
	return r
}

func (s *HttpService) registerHandler(router *gin.Engine) {
	v1 := router.Group("/v1")

	v1.POST("/sessions/:subject/:session", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		name, err := sessionNameOf(ctx)
		if err != nil {
			return ginshared.RenderError(err)
		}
		req := new(ConnectRequest)
		if ctx.Request.ContentLength != 0 {
			if err := ctx.ShouldBindJSON(req); err != nil {
				return ginshared.RenderError(dispatchapi.IllegalArgument("connect request: %v", err))
			}
		}
		var driver dispatchapi.CallbackDriver
		if req.CallbackUrl != "" {
			driver = callback.NewHttpDriver(req.CallbackUrl, callbackOption(&s.option))
		}
		session, err := s.engine.Connect(name, driver, nil)
		if err != nil {
			return ginshared.RenderError(err)
		}
		return ginshared.RenderJson(http.StatusOK, sessionResponse(session))
	}))
	v1.GET("/sessions/:subject/:session", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		name, err := sessionNameOf(ctx)
		if err != nil {
			return ginshared.RenderError(err)
		}
		session, err := s.engine.SessionInfo(name)
		if err != nil {
			return ginshared.RenderError(err)
		}
		return ginshared.RenderJson(http.StatusOK, sessionResponse(session))
	}))
	v1.DELETE("/sessions/:subject/:session", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		name, err := sessionNameOf(ctx)
		if err != nil {
			return ginshared.RenderError(err)
		}
		if err := s.engine.Disconnect(name); err != nil {
			return ginshared.RenderError(err)
		}
		return ginshared.RenderStatus(http.StatusOK)
	}))

	v1.POST("/topics/:oid/publish", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		qos := &dispatchapi.MsgQos{Priority: dispatchapi.NormPriority}
		if v := ctx.Query("priority"); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return ginshared.RenderError(dispatchapi.IllegalArgument("priority %q", v))
			}
			qos.Priority = p
		}
		if v := ctx.Query("lifetime_ms"); v != "" {
			l, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ginshared.RenderError(dispatchapi.IllegalArgument("lifetime_ms %q", v))
			}
			qos.LifeTime = l
		}
		content, err := io.ReadAll(ctx.Request.Body)
		if err != nil {
			return ginshared.RenderError(err)
		}
		id, err := s.engine.Publish(ctx.Request.Context(), dispatchapi.SessionName(ctx.Query("sender")), &dispatchapi.MsgUnit{
			KeyOid:  ctx.Param("oid"),
			Content: content,
			Qos:     qos,
		})
		if err != nil {
			return ginshared.RenderError(err)
		}
		return ginshared.RenderJson(http.StatusOK, &PublishResponse{Id: id.String()})
	}))
	v1.POST("/topics/:oid/subscriptions", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		req := new(SubscribeRequest)
		if err := ctx.ShouldBindJSON(req); err != nil {
			return ginshared.RenderError(dispatchapi.IllegalArgument("subscribe request: %v", err))
		}
		qos := dispatchapi.DefaultQueryQos()
		if req.WantLocal != nil {
			qos.WantLocal = *req.WantLocal
		}
		if req.WantNotify != nil {
			qos.WantNotify = *req.WantNotify
		}
		if req.WantInitialUpdate != nil {
			qos.WantInitialUpdate = *req.WantInitialUpdate
		}
		id, err := s.engine.Subscribe(ctx.Request.Context(), req.Session, ctx.Param("oid"), qos)
		if err != nil {
			return ginshared.RenderError(err)
		}
		return ginshared.RenderJson(http.StatusOK, &SubscribeResponse{Id: id.String()})
	}))
	v1.DELETE("/topics/:oid", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		if err := s.engine.Erase(ctx.Request.Context(), dispatchapi.SessionName(ctx.Query("sender")), ctx.Param("oid")); err != nil {
			return ginshared.RenderError(err)
		}
		return ginshared.RenderStatus(http.StatusOK)
	}))
	v1.DELETE("/subscriptions/:id", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		id, err := dispatchapi.ParseSubscriptionId(ctx.Param("id"))
		if err != nil {
			return ginshared.RenderError(err)
		}
		if err := s.engine.Unsubscribe(ctx.Request.Context(), id); err != nil {
			return ginshared.RenderError(err)
		}
		return ginshared.RenderStatus(http.StatusOK)
	}))

	v1.GET("/queues/*oid", ginshared.Wrap(func(ctx *gin.Context) ginshared.Render {
		oid := strings.TrimPrefix(ctx.Param("oid"), "/")
		msgs, err := s.engine.Get(ctx.Request.Context(), oid, ctx.Query("query"))
		if err != nil {
			return ginshared.RenderError(err)
		}
		if msgs == nil {
			msgs = []*dispatchapi.MsgUnit{}
		}
		return ginshared.RenderJson(http.StatusOK, msgs)
	}))

	v1.GET("/callback/ws/:subject/:session", func(ctx *gin.Context) {
		name, err := sessionNameOf(ctx)
		if err != nil {
			_ = ctx.Error(err)
			return
		}
		if s.hub == nil {
			_ = ctx.Error(dispatchapi.ErrNoCallback)
			return
		}
		s.hub.ServeSession(ctx.Writer, ctx.Request, name)
	})
}
