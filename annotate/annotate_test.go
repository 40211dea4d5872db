package annotate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/resolve"
)

func rec(h string, days int) accountage.AgeRecord {
	return accountage.AgeRecord{Handle: accountage.Handle(h), AgeDays: days, ResolvedAt: time.Now(), Source: accountage.SourceLive}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		days int
		want string
	}{
		{days: accountage.UnknownAge, want: "?"},
		{days: 0, want: "0d"},
		{days: 400, want: "400d"},
		{days: 729, want: "729d"},
		{days: 730, want: "2y 0d"},
		{days: 765, want: "2y 35d"},
		{days: 3650, want: "10y 0d"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Label(rec("alice", tt.days)))
		})
	}
}

func TestBoard(t *testing.T) {
	b := NewBoard(2)

	b.OnResolved("alice", rec("alice", 400))
	b.OnResolved("bob", rec("bob", accountage.UnknownAge))

	a, ok := b.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "400d", a.Label)

	// Re-annotating alice makes bob the oldest.
	b.OnResolved("alice", rec("alice", 401).WithSource(accountage.SourceCache))
	b.OnResolved("carol", rec("carol", 10))

	_, ok = b.Get("bob")
	assert.False(t, ok)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(4), b.Total())

	list := b.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, accountage.Handle("carol"), list[0].Handle)
	assert.Equal(t, accountage.Handle("alice"), list[1].Handle)
	assert.Equal(t, accountage.SourceCache, list[1].Source)
	assert.Equal(t, 401, list[1].AgeDays)

	assert.Len(t, b.List(1), 1)
}

func TestBoardDefaultLimit(t *testing.T) {
	b := NewBoard(0)
	for i := range DefaultBoardLimit + 5 {
		h := accountage.Handle(fmt.Sprintf("user%d", i))
		b.OnResolved(h, rec(string(h), i))
	}
	assert.Equal(t, DefaultBoardLimit, b.Len())
	_, ok := b.Get("user0")
	assert.False(t, ok)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)), slog.LevelInfo)

	l.OnResolved("alice", rec("alice", 765))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "annotation", line["msg"])
	assert.Equal(t, "alice", line["handle"])
	assert.Equal(t, "2y 35d", line["label"])
	assert.Equal(t, "annotate", line["component"])
}

func TestMulti(t *testing.T) {
	b1, b2 := NewBoard(10), NewBoard(10)
	var calls int
	m := Multi{b1, b2, resolve.SinkFunc(func(accountage.Handle, accountage.AgeRecord) { calls++ })}

	m.OnResolved("alice", rec("alice", 1))

	assert.Equal(t, 1, b1.Len())
	assert.Equal(t, 1, b2.Len())
	assert.Equal(t, 1, calls)
}
