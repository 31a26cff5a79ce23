package parser

import "github.com/microcosm-cc/bluemonday"

// newRichPolicy allows only the XHTML-IM subset the rendered posts use.
func newRichPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("span", "br")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowStyles(
		"color", "background-color",
		"font-weight", "font-style", "font-family", "font-size",
		"text-decoration",
	).OnElements("span")
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	return p
}
