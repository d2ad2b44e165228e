package keeper

import (
	"fmt"
	"html"
	"strings"

	"cryptkeeper/internal/entry"
	"cryptkeeper/internal/transport"
)

// Compose builds the aggregate notification for new entries of one kind.
// Release lines carry a [system] prefix when the system is known.
func Compose(kind entry.Kind, es []entry.Entry, site string) transport.Message {
	var title, header string
	switch kind {
	case entry.KindRelease:
		title = fmt.Sprintf("There are %d new Community Releases!", len(es))
		header = "New Community Releases:"
	default:
		title = fmt.Sprintf("There are %d new %s News!", len(es), site)
		header = fmt.Sprintf("New %s News:", site)
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n<ul>")
	for _, e := range es {
		label := e.Title
		if kind == entry.KindRelease && e.Secondary != "" {
			label = "[" + e.Secondary + "] " + label
		}
		b.WriteString("<li><a href='")
		b.WriteString(html.EscapeString(e.URL))
		b.WriteString("'>")
		b.WriteString(html.EscapeString(label))
		b.WriteString("</a></li>")
	}
	b.WriteString("</ul>")
	return transport.Message{Title: title, Body: b.String(), HTML: true}
}
