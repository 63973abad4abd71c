// ============================================================================
// Built-in Parsers
// ============================================================================
//
// Package: internal/parser
// File: builtins.go
// Purpose: The parsers every cluster ships with: an HTML extractor
//          (title, first h1, meta description, links, heading counts),
//          a JSON passthrough and a raw-body passthrough.
//
// ============================================================================

package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/projectdiscovery/utils/errkit"

	"github.com/adaptivescrape/asc/pkg/types"
)

// maxLinks caps the extracted link list so a single index page cannot
// bloat the result stream.
const maxLinks = 100

// parseHTML is the default extractor. Relative hrefs are resolved against
// the job URL; fragment-only and javascript links are skipped.
func parseHTML(body string, job *types.Job) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, errkit.New(fmt.Sprintf("html parse failed: %v", err)).
			SetKind(types.ErrKindParser).
			Build()
	}

	data := map[string]any{
		"title": strings.TrimSpace(doc.Find("title").First().Text()),
		"h1":    strings.TrimSpace(doc.Find("h1").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		data["description"] = strings.TrimSpace(desc)
	}

	base, _ := url.Parse(job.URL)
	links := make([]string, 0, 16)
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return true
		}
		if base != nil {
			if abs, err := base.Parse(href); err == nil {
				href = abs.String()
			}
		}
		links = append(links, href)
		return len(links) < maxLinks
	})
	data["links"] = links

	headings := make(map[string]int)
	for _, level := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		if n := doc.Find(level).Length(); n > 0 {
			headings[level] = n
		}
	}
	data["headings"] = headings

	return data, nil
}

// parseJSON unmarshals the body. Non-object documents are wrapped under a
// "value" key so the result is always a map.
func parseJSON(body string, _ *types.Job) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, errkit.New(fmt.Sprintf("invalid JSON body: %v", err)).
			SetKind(types.ErrKindParser).
			Build()
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": v}, nil
}

// parseRaw passes the body through untouched.
func parseRaw(body string, _ *types.Job) (map[string]any, error) {
	return map[string]any{
		"body":   body,
		"length": len(body),
	}, nil
}
