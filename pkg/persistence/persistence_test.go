package persistence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	NetSize string `json:"net_size"`
	Seq     int    `json:"seq"`
}

func exerciseService(t *testing.T, svc Service) {
	t.Helper()
	store := svc.NewStore("ledger", "ETH-USDT", "position")

	var got snapshot
	require.ErrorIs(t, store.Load(&got), ErrNotExists)

	require.NoError(t, store.Save(snapshot{NetSize: "0.03", Seq: 4}))
	require.NoError(t, store.Load(&got))
	assert.Equal(t, snapshot{NetSize: "0.03", Seq: 4}, got)

	// 不同 tag 互不影响
	other := svc.NewStore("ledger", "ETH-USDT", "orders")
	require.ErrorIs(t, other.Load(&got), ErrNotExists)
}

func TestJSONFileService(t *testing.T) {
	exerciseService(t, NewJSONFileService(t.TempDir()))
}

func TestBadgerServiceInMemory(t *testing.T) {
	svc, err := OpenBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer svc.Close()
	exerciseService(t, svc)
}

func TestBadgerServiceOnDiskReopen(t *testing.T) {
	dir := t.TempDir()
	svc, err := OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	require.NoError(t, svc.NewStore("a", "b", "c").Save(snapshot{Seq: 9}))
	require.NoError(t, svc.Close())

	svc, err = OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	defer svc.Close()
	var got snapshot
	require.NoError(t, svc.NewStore("a", "b", "c").Load(&got))
	assert.Equal(t, 9, got.Seq)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, k)

	k, err = ParseKey("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Len(t, k, 32)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
}
