package scrape

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"cryptkeeper/internal/entry"
)

const (
	DefaultNewsHeading     = "Hidden Palace news"
	DefaultReleasesHeading = "Community releases"
)

// Layout names the section headings on the homepage.
type Layout struct {
	NewsHeading     string
	ReleasesHeading string
}

func (l Layout) withDefaults() Layout {
	if strings.TrimSpace(l.NewsHeading) == "" {
		l.NewsHeading = DefaultNewsHeading
	}
	if strings.TrimSpace(l.ReleasesHeading) == "" {
		l.ReleasesHeading = DefaultReleasesHeading
	}
	return l
}

// Page is what the homepage yields, in document order.
type Page struct {
	News     []entry.Entry
	Releases []entry.Entry
}

// ExtractHomepage reads both lists from doc. A missing section yields an
// empty list. Links are resolved against base.
func ExtractHomepage(doc *goquery.Document, base *url.URL, layout Layout) Page {
	layout = layout.withDefaults()
	var p Page

	if cell := sectionCell(doc, layout.NewsHeading); cell != nil {
		cell.Find("dd").Each(func(_ int, dd *goquery.Selection) {
			b := dd.Find("b").First()
			if b.Length() == 0 {
				return
			}
			title, link, ok := firstLink(dd, base)
			if !ok {
				return
			}
			p.News = append(p.News, entry.NewNews(title, trimDate(b.Text()), link))
		})
	}

	if cell := sectionCell(doc, layout.ReleasesHeading); cell != nil {
		cell.Find("li").Each(func(_ int, li *goquery.Selection) {
			title, link, ok := firstLink(li, base)
			if !ok {
				return
			}
			nodes := li.Contents()
			date := ""
			if first := nodes.First(); isText(first) {
				date = trimDate(first.Text())
			}
			author := ""
			if nodes.Length() > 2 {
				author = trimAuthor(nodes.Last().Text())
			}
			p.Releases = append(p.Releases, entry.NewRelease(title, date, link, author))
		})
	}
	return p
}

// sectionCell finds the div.heading whose text equals heading and returns
// the first div.cell that follows it in document order.
func sectionCell(doc *goquery.Document, heading string) *goquery.Selection {
	var (
		found bool
		cell  *goquery.Selection
	)
	doc.Find("div.heading, div.cell").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !found {
			if s.HasClass("heading") && strings.TrimSpace(s.Text()) == heading {
				found = true
			}
			return true
		}
		if s.HasClass("cell") {
			cell = s
			return false
		}
		return true
	})
	return cell
}

func firstLink(s *goquery.Selection, base *url.URL) (title, link string, ok bool) {
	a := s.Find("a[href]").First()
	if a.Length() == 0 {
		return "", "", false
	}
	href, _ := a.Attr("href")
	link = resolve(base, href)
	if link == "" {
		return "", "", false
	}
	return strings.TrimSpace(a.Text()), link, true
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func trimDate(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ":")
}

func trimAuthor(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 3 && strings.EqualFold(s[:3], "by ") {
		s = strings.TrimSpace(s[3:])
	}
	return s
}

// isText reports whether the selection's first node is a text node.
func isText(s *goquery.Selection) bool {
	return s.Length() > 0 && s.Get(0).Type == html.TextNode
}
