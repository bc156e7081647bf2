package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"

	"github.com/go-resty/resty/v2"
)

var _ dispatchapi.CallbackDriver = new(HttpDriver)

type HttpDriverOption struct {
	Timeout    time.Duration
	RetryCount int
}

// HttpDriver posts updates as JSON to the callback url of a session.
// Any non 2xx answer counts as a failed delivery.
type HttpDriver struct {
	url string
	rr  *resty.Client
}

func NewHttpDriver(url string, option *HttpDriverOption) *HttpDriver {
	rr := resty.New()
	if option != nil {
		if option.Timeout > 0 {
			rr.SetTimeout(option.Timeout)
		}
		if option.RetryCount > 0 {
			rr.SetRetryCount(option.RetryCount)
		}
	}
	return &HttpDriver{
		url: url,
		rr:  rr,
	}
}

func (h *HttpDriver) Protocol() string {
	return "HTTP"
}

func (h *HttpDriver) Send(ctx context.Context, receiver dispatchapi.SessionName, msgs []*dispatchapi.MsgUnit) error {
	resp, err := h.rr.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(&UpdateRequest{Receiver: receiver, Messages: msgs}).
		Post(h.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("callback %s answered %d", h.url, resp.StatusCode())
	}
	return nil
}

func (h *HttpDriver) Close() error {
	return nil
}
