// Package extract pulls image references out of rich-text message bodies.
package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// ImageSources returns the src attribute of every <img> tag in the
// fragment, in document order, duplicates included. Parsing is lenient:
// malformed markup yields fewer matches, never an error. De-duplication
// is the caller's concern.
func ImageSources(fragment string) []string {
	var srcs []string
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a tokenizer bailout; either way we are done.
			return srcs
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "img" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "src" {
					srcs = append(srcs, string(val))
					break
				}
				if !more {
					break
				}
			}
		}
	}
}
