package scrape

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"cryptkeeper/internal/entry"
)

// ExtractContent joins the paragraphs of the article body with newlines.
// It returns "" when the page has no article body.
func ExtractContent(doc *goquery.Document) string {
	body := doc.Find("div.mw-parser-output").First()
	if body.Length() == 0 {
		return ""
	}
	var parts []string
	body.Find("p").Each(func(_ int, p *goquery.Selection) {
		if t := strings.TrimSpace(p.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n")
}

// ExtractSystem returns the text of the cell following the "System" label
// cell, or entry.UnknownSystem when there is none or it is empty.
func ExtractSystem(doc *goquery.Document) string {
	system := entry.UnknownSystem
	doc.Find("td").EachWithBreak(func(_ int, td *goquery.Selection) bool {
		if strings.TrimSpace(td.Text()) != "System" {
			return true
		}
		if v := strings.TrimSpace(td.NextAllFiltered("td").First().Text()); v != "" {
			system = v
		}
		return false
	})
	return system
}

// Resolver fetches an entry's detail page and extracts its secondary field.
type Resolver struct {
	Fetcher Fetcher
}

func (r Resolver) Resolve(ctx context.Context, e entry.Entry) (string, error) {
	doc, err := r.Fetcher.FetchDocument(ctx, e.URL)
	if err != nil {
		return "", err
	}
	switch e.Kind {
	case entry.KindNews:
		return ExtractContent(doc), nil
	case entry.KindRelease:
		return ExtractSystem(doc), nil
	default:
		return "", fmt.Errorf("resolve %s: unknown kind %q", e.URL, e.Kind)
	}
}
