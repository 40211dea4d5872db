// Package extract finds user handles in HTML page snapshots.
package extract

import (
	"bytes"
	"iter"
	"net/url"
	"regexp"
	"strings"

	accountage "github.com/wolfeidau/account-age"
	"golang.org/x/net/html"
)

// DefaultIgnore lists handles that are never annotated.
var DefaultIgnore = []string{"automoderator"}

// mentionRegex matches bare u/name mentions in text.
var mentionRegex = regexp.MustCompile(`(?:^|[^A-Za-z0-9_/])/?u/([A-Za-z0-9_-]+)`)

// Extractor pulls handles out of content snapshots. It holds no per-call
// state and is safe for concurrent use.
type Extractor struct {
	ignore       map[accountage.Handle]struct{}
	textMentions bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithIgnore replaces the ignore list. Names that are not valid handles are
// dropped.
func WithIgnore(names ...string) Option {
	return func(e *Extractor) {
		e.ignore = make(map[accountage.Handle]struct{}, len(names))
		for _, n := range names {
			if h, err := accountage.ParseHandle(n); err == nil {
				e.ignore[h] = struct{}{}
			}
		}
	}
}

// WithTextMentions enables matching u/name mentions in text nodes.
func WithTextMentions(enabled bool) Option {
	return func(e *Extractor) {
		e.textMentions = enabled
	}
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{}
	WithIgnore(DefaultIgnore...)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handles returns the distinct handles in content, in document order. The
// sequence is lazy: content is tokenized as it is consumed, and each range
// over it tokenizes the snapshot again. Malformed markup yields whatever
// handles appear before the tokenizer gives up.
func (e *Extractor) Handles(content []byte) iter.Seq[accountage.Handle] {
	return func(yield func(accountage.Handle) bool) {
		seen := make(map[accountage.Handle]struct{})
		emit := func(raw string) bool {
			h, err := accountage.ParseHandle(raw)
			if err != nil {
				return true
			}
			if _, skip := e.ignore[h]; skip {
				return true
			}
			if _, dup := seen[h]; dup {
				return true
			}
			seen[h] = struct{}{}
			return yield(h)
		}

		z := html.NewTokenizer(bytes.NewReader(content))
		skipText := 0
		for {
			switch z.Next() {
			case html.ErrorToken:
				return
			case html.StartTagToken, html.SelfClosingTagToken:
				tok := z.Token()
				if tok.Data == "script" || tok.Data == "style" {
					if tok.Type == html.StartTagToken {
						skipText++
					}
					continue
				}
				for _, attr := range tok.Attr {
					var name string
					switch attr.Key {
					case "data-author":
						name = attr.Val
					case "href":
						if tok.Data != "a" {
							continue
						}
						name = handleFromHref(attr.Val)
					}
					if name != "" && !emit(name) {
						return
					}
				}
			case html.EndTagToken:
				name, _ := z.TagName()
				if (string(name) == "script" || string(name) == "style") && skipText > 0 {
					skipText--
				}
			case html.TextToken:
				if !e.textMentions || skipText > 0 {
					continue
				}
				for _, m := range mentionRegex.FindAllStringSubmatch(string(z.Text()), -1) {
					if !emit(m[1]) {
						return
					}
				}
			}
		}
	}
}

// handleFromHref returns the user name from a profile link, or "" if href is
// not one. Relative links and links on reddit.com hosts are accepted.
func handleFromHref(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if u.Host != "" {
		host := strings.ToLower(u.Hostname())
		if host != "reddit.com" && !strings.HasSuffix(host, ".reddit.com") {
			return ""
		}
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	switch strings.ToLower(parts[0]) {
	case "u", "user":
		return parts[1]
	default:
		return ""
	}
}
