package htx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Signer 给私有接口请求附加鉴权参数
type Signer interface {
	// Sign 返回带签名的查询参数（包含 query 中原有参数）
	Sign(method, host, path string, query url.Values) url.Values
}

// HMACSigner HmacSHA256 签名（SignatureVersion 2）
type HMACSigner struct {
	AccessKey string
	SecretKey string
	Now       func() time.Time
}

func NewHMACSigner(accessKey, secretKey string) *HMACSigner {
	return &HMACSigner{AccessKey: accessKey, SecretKey: secretKey, Now: time.Now}
}

func (s *HMACSigner) Sign(method, host, path string, query url.Values) url.Values {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	out := url.Values{}
	for k, v := range query {
		out[k] = append([]string(nil), v...)
	}
	out.Set("AccessKeyId", s.AccessKey)
	out.Set("SignatureMethod", "HmacSHA256")
	out.Set("SignatureVersion", "2")
	out.Set("Timestamp", now().UTC().Format("2006-01-02T15:04:05"))

	payload := canonicalQuery(out)
	text := strings.ToUpper(method) + "\n" + strings.ToLower(host) + "\n" + path + "\n" + payload

	mac := hmac.New(sha256.New, []byte(s.SecretKey))
	mac.Write([]byte(text))
	out.Set("Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return out
}

// canonicalQuery 参数名按 ASCII 排序，值做 URL 编码（空格编码为 %20）
func canonicalQuery(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, val := range v[k] {
			parts = append(parts, escape(k)+"="+escape(val))
		}
	}
	return strings.Join(parts, "&")
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
