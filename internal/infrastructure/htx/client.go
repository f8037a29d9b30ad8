package htx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/domain"
)

var log = logrus.WithField("component", "htx")

// 统一的拒绝码（与 transient_reject_codes 配置对应）
const (
	RejectRateLimited   = "rate_limited"
	RejectSystemBusy    = "system_busy"
	RejectNotFound      = "order_not_found"
	RejectInsufficient  = "insufficient_margin"
	RejectInvalidOrder  = "invalid_order"
	RejectBelowContract = "size_below_contract"
)

// Client 私有 REST 接口客户端。
//
// 不做自动重试：下单/撤单重试由订单对账器按客户端 ID 负责。
type Client struct {
	rest   *resty.Client
	host   string
	signer Signer
}

// envelope 所有接口的统一响应外壳
type envelope struct {
	Status  string          `json:"status"`
	ErrCode int             `json:"err_code"`
	ErrMsg  string          `json:"err_msg"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
}

func NewClient(baseURL string, signer Signer, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, errors.Errorf("invalid base url: %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// resty 会自动读取 HTTP(S)_PROXY 环境变量
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "perpmm")
	return &Client{rest: rc, host: u.Host, signer: signer}, nil
}

// Post 签名并发送私有 POST 请求，out 为 data 字段的解析目标。
//
// 传输层错误、非 2xx 原样返回；交易所业务错误转换为 *domain.VenueRejectError。
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	query := c.signer.Sign(http.MethodPost, c.host, path, url.Values{})
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		SetBody(body).
		Post(path)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return domain.NewVenueReject(RejectRateLimited, "http 429", true)
	}
	if !resp.IsSuccess() {
		return errors.Errorf("POST %s: http %d: %s", path, resp.StatusCode(), truncate(resp.String(), 256))
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return errors.Wrapf(err, "POST %s: decode response", path)
	}
	if env.Status != "ok" {
		return rejectFromCode(env.ErrCode, env.ErrMsg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrapf(err, "POST %s: decode data", path)
		}
	}
	return nil
}

// rejectFromCode 交易所错误码映射为统一拒绝码
func rejectFromCode(code int, msg string) *domain.VenueRejectError {
	switch code {
	case 1032:
		return domain.NewVenueReject(RejectRateLimited, msg, true)
	case 1000, 1001, 1004:
		return domain.NewVenueReject(RejectSystemBusy, msg, true)
	case 1047:
		return domain.NewVenueReject(RejectInsufficient, msg, false)
	case 1061, 1063, 1071:
		return domain.NewVenueReject(RejectNotFound, msg, false)
	}
	return domain.NewVenueReject(fmt.Sprintf("htx_%d", code), msg, false)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
