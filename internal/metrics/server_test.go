package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAsyncServesStatusAndVars(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := StartAsync(ctx, "127.0.0.1:0", func() any {
		return map[string]float64{"net_position": 0.02}
	})
	require.NoError(t, err)
	base := "http://" + srv.Addr

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0.02, body["net_position"])

	Cycles.Add(1)
	resp2, err := http.Get(base + "/debug/vars")
	require.NoError(t, err)
	defer resp2.Body.Close()
	raw, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"mm_cycles"`)

	resp3, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}
