// Package annotate provides annotation sinks that receive resolved account
// ages from the coordinator.
package annotate

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/resolve"
)

// DefaultBoardLimit is the number of handles a Board keeps by default.
const DefaultBoardLimit = 1000

// Label renders a short human label for rec: "?" when unknown, "400d" under
// two years, otherwise "2y 35d".
func Label(rec accountage.AgeRecord) string {
	if !rec.Known() {
		return "?"
	}
	years, days := rec.AgeDays/365, rec.AgeDays%365
	if years < 2 {
		return fmt.Sprintf("%dd", rec.AgeDays)
	}
	return fmt.Sprintf("%dy %dd", years, days)
}

// Annotation is the rendered view of one resolution.
type Annotation struct {
	Handle     accountage.Handle `json:"handle"`
	AgeDays    int               `json:"age_days"`
	Label      string            `json:"label"`
	Source     accountage.Source `json:"source"`
	ResolvedAt time.Time         `json:"resolved_at"`
}

// NewAnnotation renders rec.
func NewAnnotation(rec accountage.AgeRecord) Annotation {
	return Annotation{
		Handle:     rec.Handle,
		AgeDays:    rec.AgeDays,
		Label:      Label(rec),
		Source:     rec.Source,
		ResolvedAt: rec.ResolvedAt,
	}
}

// Board keeps the latest annotation per handle, bounded to a fixed number of
// handles. The least recently annotated handle is dropped first.
type Board struct {
	limit int

	mu    sync.RWMutex
	items map[accountage.Handle]*list.Element
	order *list.List // front is most recent; values are *Annotation
	total uint64
}

var _ resolve.Sink = (*Board)(nil)

// NewBoard creates a board holding up to limit handles. A non-positive limit
// uses DefaultBoardLimit.
func NewBoard(limit int) *Board {
	if limit <= 0 {
		limit = DefaultBoardLimit
	}
	return &Board{
		limit: limit,
		items: make(map[accountage.Handle]*list.Element),
		order: list.New(),
	}
}

// OnResolved implements resolve.Sink.
func (b *Board) OnResolved(h accountage.Handle, rec accountage.AgeRecord) {
	a := NewAnnotation(rec)
	a.Handle = h

	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++

	if el, ok := b.items[h]; ok {
		*el.Value.(*Annotation) = a
		b.order.MoveToFront(el)
		return
	}
	b.items[h] = b.order.PushFront(&a)
	for b.order.Len() > b.limit {
		back := b.order.Back()
		delete(b.items, back.Value.(*Annotation).Handle)
		b.order.Remove(back)
	}
}

// Get returns the latest annotation for h.
func (b *Board) Get(h accountage.Handle) (Annotation, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	el, ok := b.items[h]
	if !ok {
		return Annotation{}, false
	}
	return *el.Value.(*Annotation), true
}

// List returns up to n annotations, most recent first. n <= 0 returns all.
func (b *Board) List(n int) []Annotation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.order.Len() {
		n = b.order.Len()
	}
	out := make([]Annotation, 0, n)
	for el := b.order.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, *el.Value.(*Annotation))
	}
	return out
}

// Len returns the number of handles on the board.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.order.Len()
}

// Total returns the number of annotations received since creation.
func (b *Board) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Logger writes one structured log line per annotation.
type Logger struct {
	logger *slog.Logger
	level  slog.Level
}

var _ resolve.Sink = (*Logger)(nil)

// NewLogger returns a sink logging at level.
func NewLogger(logger *slog.Logger, level slog.Level) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "annotate"), level: level}
}

// OnResolved implements resolve.Sink.
func (l *Logger) OnResolved(h accountage.Handle, rec accountage.AgeRecord) {
	l.logger.Log(context.Background(), l.level, "annotation",
		"handle", h,
		"label", Label(rec),
		"age_days", rec.AgeDays,
		"source", rec.Source,
	)
}

// Multi fans each annotation out to every sink in order.
type Multi []resolve.Sink

// OnResolved implements resolve.Sink.
func (m Multi) OnResolved(h accountage.Handle, rec accountage.AgeRecord) {
	for _, s := range m {
		s.OnResolved(h, rec)
	}
}
