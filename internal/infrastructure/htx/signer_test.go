package htx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHMACSignerAddsAuthParams(t *testing.T) {
	s := NewHMACSigner("ak", "sk")
	s.Now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	q := s.Sign("post", "API.hbdm.vn", "/linear-swap-api/v1/swap_order", url.Values{"b": {"x y"}})
	assert.Equal(t, "ak", q.Get("AccessKeyId"))
	assert.Equal(t, "HmacSHA256", q.Get("SignatureMethod"))
	assert.Equal(t, "2", q.Get("SignatureVersion"))
	assert.Equal(t, "2024-01-02T03:04:05", q.Get("Timestamp"))
	assert.Equal(t, "x y", q.Get("b"))

	text := "POST\napi.hbdm.vn\n/linear-swap-api/v1/swap_order\n" +
		"AccessKeyId=ak&SignatureMethod=HmacSHA256&SignatureVersion=2&Timestamp=2024-01-02T03%3A04%3A05&b=x%20y"
	mac := hmac.New(sha256.New, []byte("sk"))
	mac.Write([]byte(text))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), q.Get("Signature"))
}

func TestHMACSignerDoesNotMutateInput(t *testing.T) {
	in := url.Values{"a": {"1"}}
	NewHMACSigner("ak", "sk").Sign("POST", "h", "/p", in)
	assert.Len(t, in, 1)
}
