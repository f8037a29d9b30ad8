package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	st     status
	err    error
	paused []bool
}

func (s *stubClient) Status(context.Context) (status, error) { return s.st, s.err }

func (s *stubClient) SetPaused(_ context.Context, paused bool) error {
	s.paused = append(s.paused, paused)
	return nil
}

func TestModelRendersStatus(t *testing.T) {
	c := &stubClient{st: status{BestBid: 1999.5, BestAsk: 2000.5, Mid: 2000, NetPosition: 0.03, Fills: 4}}
	m := newModel(c, time.Second)

	next, _ := m.Update(fetchCmd(c)())
	view := next.(model).View()
	assert.Contains(t, view, "1999.50")
	assert.Contains(t, view, "2000.50")
	assert.Contains(t, view, "+0.0300")
	assert.Contains(t, view, "报价中")
}

func TestModelShowsPausedAndErrors(t *testing.T) {
	c := &stubClient{st: status{Paused: true}}
	m := newModel(c, time.Second)
	next, _ := m.Update(fetchCmd(c)())
	assert.Contains(t, next.(model).View(), "已暂停")

	c.err = errors.New("connection refused")
	next, _ = next.Update(fetchCmd(c)())
	view := next.(model).View()
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, "已暂停", "keeps last good status")
}

func TestModelKeysSendControl(t *testing.T) {
	c := &stubClient{}
	m := newModel(c, time.Second)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, controlMsg{}, msg)

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	cmd()
	assert.Equal(t, []bool{true, false}, c.paused)
}

func TestRestClientAgainstControlPlane(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"mid":2000,"paused":true,"fills":3}`))
		default:
			gotAuth, gotPath = r.Header.Get("Authorization"), r.URL.Path
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	c := newRestClient(srv.URL, "tok")
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2000.0, st.Mid)
	assert.True(t, st.Paused)
	assert.EqualValues(t, 3, st.Fills)

	require.NoError(t, c.SetPaused(context.Background(), true))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/pause", gotPath)
}
