package extract

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	accountage "github.com/wolfeidau/account-age"
)

func collect(e *Extractor, content string) []accountage.Handle {
	return slices.Collect(e.Handles([]byte(content)))
}

func TestHandles(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		content string
		want    []accountage.Handle
	}{
		{
			name:    "profile links",
			content: `<div><a href="/u/Alice">Alice</a> and <a href="https://old.reddit.com/user/bob/comments">bob</a></div>`,
			want:    []accountage.Handle{"alice", "bob"},
		},
		{
			name:    "data author attributes",
			content: `<shreddit-comment data-author="carol"></shreddit-comment><div data-author="dave"/>`,
			want:    []accountage.Handle{"carol", "dave"},
		},
		{
			name:    "deduplicated case insensitively",
			content: `<a href="/u/alice">a</a><a href="/user/ALICE/">b</a><p data-author="Alice"></p>`,
			want:    []accountage.Handle{"alice"},
		},
		{
			name:    "foreign hosts and non profile paths ignored",
			content: `<a href="https://example.com/u/eve">x</a><a href="/r/golang">y</a><a href="/u/">z</a><link href="/u/frank">`,
			want:    nil,
		},
		{
			name:    "ignored and deleted",
			content: `<a href="/u/AutoModerator">m</a><p data-author="[deleted]"></p><a href="/u/grace">g</a>`,
			want:    []accountage.Handle{"grace"},
		},
		{
			name:    "custom ignore list",
			opts:    []Option{WithIgnore("grace")},
			content: `<a href="/u/AutoModerator">m</a><a href="/u/grace">g</a>`,
			want:    []accountage.Handle{"automoderator"},
		},
		{
			name:    "text mentions off by default",
			content: `<p>thanks u/heidi</p>`,
			want:    nil,
		},
		{
			name:    "text mentions",
			opts:    []Option{WithTextMentions(true)},
			content: `<p>thanks u/heidi and /u/ivan, not bu/judy or r/u/kim</p><script>var x = " u/mallory ";</script>`,
			want:    []accountage.Handle{"heidi", "ivan"},
		},
		{
			name:    "empty content",
			content: ``,
			want:    nil,
		},
		{
			name:    "malformed markup",
			content: `<a href="/u/oscar"><div <<< data-author=`,
			want:    []accountage.Handle{"oscar"},
		},
		{
			name:    "too long names skipped",
			content: `<a href="/u/abcdefghijklmnopqrstuvwxyz">x</a>`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(New(tt.opts...), tt.content)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestHandlesRestartable(t *testing.T) {
	e := New()
	seq := e.Handles([]byte(`<a href="/u/alice">a</a><a href="/u/bob">b</a>`))

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	require.Equal(t, first, second)
	require.Len(t, first, 2)
}

func TestHandlesEarlyStop(t *testing.T) {
	e := New()
	var got []accountage.Handle
	for h := range e.Handles([]byte(`<a href="/u/alice">a</a><a href="/u/bob">b</a><a href="/u/carol">c</a>`)) {
		got = append(got, h)
		if len(got) == 2 {
			break
		}
	}
	require.Equal(t, []accountage.Handle{"alice", "bob"}, got)
}
