package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// status 控制面 /api/status 的响应
type status struct {
	BestBid       float64 `json:"best_bid"`
	BestAsk       float64 `json:"best_ask"`
	Mid           float64 `json:"mid"`
	Stale         bool    `json:"stale"`
	Paused        bool    `json:"paused"`
	NetPosition   float64 `json:"net_position"`
	RealizedPnL   float64 `json:"realized_pnl"`
	Fills         int64   `json:"fills"`
	RiskBreaches  int64   `json:"risk_breaches"`
	GatewayErrors int64   `json:"gateway_errors"`
}

// controlClient 控制面客户端
type controlClient interface {
	Status(ctx context.Context) (status, error)
	SetPaused(ctx context.Context, paused bool) error
}

type restClient struct {
	rest  *resty.Client
	token string
}

func newRestClient(baseURL, token string) *restClient {
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(3 * time.Second)
	return &restClient{rest: rc, token: token}
}

func (c *restClient) Status(ctx context.Context) (status, error) {
	var st status
	resp, err := c.rest.R().SetContext(ctx).SetResult(&st).Get("/api/status")
	if err != nil {
		return st, errors.Wrap(err, "get status")
	}
	if !resp.IsSuccess() {
		return st, errors.Errorf("get status: http %d", resp.StatusCode())
	}
	return st, nil
}

func (c *restClient) SetPaused(ctx context.Context, paused bool) error {
	path := "/api/resume"
	if paused {
		path = "/api/pause"
	}
	r := c.rest.R().SetContext(ctx).SetBody(map[string]string{"reason": "mmtop"})
	if c.token != "" {
		r.SetAuthToken(c.token)
	}
	resp, err := r.Post(path)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	if !resp.IsSuccess() {
		return errors.Errorf("POST %s: http %d", path, resp.StatusCode())
	}
	return nil
}
