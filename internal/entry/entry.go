// Package entry defines the two item kinds tracked by cryptkeeper and their
// identity fingerprint.
package entry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// Kind identifies which list an entry was extracted from.
type Kind string

const (
	KindNews    Kind = "news"
	KindRelease Kind = "release"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindNews, KindRelease}

func (k Kind) Valid() bool { return k == KindNews || k == KindRelease }

// SecondaryField names the field filled by enrichment.
func (k Kind) SecondaryField() string {
	switch k {
	case KindNews:
		return "content"
	case KindRelease:
		return "system"
	default:
		return ""
	}
}

// UnknownSystem is used when a release page does not declare its system.
const UnknownSystem = "Unknown"

// UnknownAuthor is used when a release line has no author suffix.
const UnknownAuthor = "Unknown"

// Entry is one extracted list item.
//
// Secondary holds the enrichment result: page content for news, the
// system label for releases. Empty means "not enriched yet".
type Entry struct {
	Kind        Kind
	Title       string
	Date        string
	URL         string
	Author      string // releases only
	Fingerprint string
	Secondary   string
}

// NewNews builds a news entry with its fingerprint computed.
func NewNews(title, date, url string) Entry {
	return Entry{
		Kind:        KindNews,
		Title:       title,
		Date:        date,
		URL:         url,
		Fingerprint: Fingerprint(title, url, date),
	}
}

// NewRelease builds a release entry with its fingerprint computed.
func NewRelease(title, date, url, author string) Entry {
	if author == "" {
		author = UnknownAuthor
	}
	return Entry{
		Kind:        KindRelease,
		Title:       title,
		Date:        date,
		URL:         url,
		Author:      author,
		Fingerprint: Fingerprint(title, url, date),
	}
}

func (e Entry) Enriched() bool { return e.Secondary != "" }

func (e Entry) String() string {
	return fmt.Sprintf("%s %q (%s)", e.Kind, e.Title, e.Fingerprint)
}

// Fingerprint returns the identity hash of an item: md5 over
// title + "_" + url + "_" + date, hex encoded.
//
// It only deduplicates; it is not a security boundary.
func Fingerprint(title, url, date string) string {
	sum := md5.Sum([]byte(title + "_" + url + "_" + date))
	return hex.EncodeToString(sum[:])
}
