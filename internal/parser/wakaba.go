package parser

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

// KindWakaba is the registry key of the wakaba parser.
const KindWakaba = "wakaba"

const (
	styleTitle   = "font-size: larger; font-weight: bold; color: #CC1105;"
	styleAuthor  = "color: #117743; font-weight: bold;"
	styleTrip    = "color: #228854;"
	styleQuote   = "color: #789922;"
	styleMono    = "font-family: monospace;"
	styleBold    = "font-weight: bold;"
	styleItalic  = "font-style: italic;"
	styleStrike  = "text-decoration: line-through;"
	styleSpoiler = "color: #F0D0B6; background-color: #F0D0B6;"
)

// Wakaba parses boards running the wakaba engine and its forks.
type Wakaba struct {
	policy *bluemonday.Policy
}

// NewWakaba returns a wakaba parser.
func NewWakaba() *Wakaba {
	return &Wakaba{policy: newRichPolicy()}
}

// Kind implements Parser.
func (*Wakaba) Kind() string {
	return KindWakaba
}

// Supports implements Parser. Wakaba boards serve a stable Last-Modified header.
func (*Wakaba) Supports(feature string) bool {
	return feature == watch.FeatureLastModified
}

// ThreadPattern implements Parser.
func (*Wakaba) ThreadPattern(host string) *regexp.Regexp {
	return regexp.MustCompile(`\Ahttps?://` + regexp.QuoteMeta(host) + `/[A-Za-z\d]{1,10}/res/\d{1,10}\.html\z`)
}

// NotifyUsername implements Parser: threads get host_board_thread, anything
// else is served from the main identity.
func (*Wakaba) NotifyUsername(sub watch.Subscription) string {
	if sub.Type != watch.ResourceThread {
		return "main"
	}
	parts := strings.Split(sub.URL, "/")
	if len(parts) < 6 {
		return "main"
	}
	thread := parts[5]
	if i := strings.IndexByte(thread, '.'); i >= 0 {
		thread = thread[:i]
	}
	return parts[2] + "_" + parts[3] + "_" + thread
}

// Parse implements Parser. Without a watermark it only reports the newest
// post id. With one it renders every newer post; no newer posts abstains.
func (w *Wakaba) Parse(task watch.Task) (watch.ParseResult, error) {
	if task.Type != watch.ResourceThread {
		return watch.ParseResult{}, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(task.Body))
	if err != nil {
		return watch.ParseResult{}, fmt.Errorf("parse html: %w", err)
	}
	replies := doc.Find("td.reply")
	if replies.Length() == 0 {
		return watch.ParseResult{Watermark: watch.Int64(0)}, nil
	}

	if task.Watermark == nil {
		id, err := postID(replies.Last())
		if err != nil {
			return watch.ParseResult{}, err
		}
		return watch.ParseResult{Watermark: watch.Int64(id)}, nil
	}

	var (
		posts []watch.Post
		last  int64
	)
	for i := range replies.Length() {
		node := replies.Eq(i)
		id, err := postID(node)
		if err != nil {
			return watch.ParseResult{}, err
		}
		if id <= *task.Watermark {
			continue
		}
		posts = append(posts, w.renderPost(node, task))
		last = id
	}
	if len(posts) == 0 {
		return watch.ParseResult{}, nil
	}
	return watch.ParseResult{Watermark: watch.Int64(last), Posts: posts}, nil
}

func postID(node *goquery.Selection) (int64, error) {
	name, ok := node.Find("a[name]").First().Attr("name")
	if !ok {
		return 0, fmt.Errorf("reply without anchor")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reply anchor %q: %w", name, err)
	}
	return id, nil
}

type wakabaPost struct {
	id          string
	title       string
	authorName  string
	authorEmail string
	tripText    string
	tripEmail   string
	date        string
	imgSrc      string
	imgName     string
	imgSize     string
	imgThumb    string
	body        string
	bodyRich    string
}

func (w *Wakaba) renderPost(node *goquery.Selection, task watch.Task) watch.Post {
	p := wakabaPost{}
	p.id, _ = node.Find("a[name]").First().Attr("name")
	p.title = strings.TrimSpace(node.Find("span.replytitle").First().Text())

	author := node.Find("span.commentpostername").First()
	if link := author.Find("a").First(); link.Length() > 0 {
		p.authorEmail, _ = link.Attr("href")
		p.authorName = link.Text()
	} else {
		p.authorName = author.Text()
	}
	p.authorName = strings.TrimSpace(p.authorName)

	if trip := node.Find("span.postertrip").First(); trip.Length() > 0 {
		if link := trip.Find("a").First(); link.Length() > 0 {
			p.tripText = link.Text()
			p.tripEmail, _ = link.Attr("href")
		} else {
			p.tripText = trip.Text()
		}
		p.date = strings.TrimSpace(tailText(trip))
	} else {
		p.date = strings.TrimSpace(tailText(author))
	}

	base := "http://" + task.Host
	if size := node.Find("span.filesize").First(); size.Length() > 0 {
		link := size.Find("a").First()
		href, _ := link.Attr("href")
		p.imgSrc = absolute(base, href)
		p.imgName = link.Text()
		p.imgSize = size.Find("em").First().Text()
		if thumb, ok := node.Find("img.thumb").First().Attr("src"); ok {
			p.imgThumb = absolute(base, thumb)
		}
	}

	p.body, p.bodyRich = renderBody(node.Find("blockquote").First(), base)

	postURL := task.URL + "#" + p.id
	return watch.Post{
		Text: p.text(postURL),
		Rich: w.policy.Sanitize(p.rich(postURL)),
	}
}

func (p wakabaPost) text(postURL string) string {
	var b strings.Builder
	b.WriteString(postURL)
	b.WriteString("\n")
	if p.title != "" {
		b.WriteString(p.title + " ")
	}
	b.WriteString(p.authorName)
	b.WriteString(p.tripText)
	if p.authorEmail != "" {
		b.WriteString(" <" + p.authorEmail + ">")
	}
	b.WriteString(" " + p.date + " No." + p.id)
	if p.imgSrc != "" {
		fmt.Fprintf(&b, "\nFile: %s -(%s) <%s>", p.imgName, p.imgSize, p.imgSrc)
	}
	if p.body != "" {
		b.WriteString("\n\n" + p.body)
	}
	return b.String()
}

func (p wakabaPost) rich(postURL string) string {
	var b strings.Builder
	b.WriteString("<span><br/>")
	if p.title != "" {
		b.WriteString(styled(styleTitle, html.EscapeString(p.title)+" "))
	}
	if p.authorName != "" {
		b.WriteString(styled(styleAuthor, link(p.authorEmail, p.authorName)))
	}
	if p.tripText != "" {
		b.WriteString(styled(styleTrip, link(p.tripEmail, p.tripText)))
	}
	b.WriteString(" " + html.EscapeString(p.date) + " ")
	b.WriteString(link(postURL, "No."+p.id))
	if p.imgSrc != "" {
		b.WriteString("<br/>File: " + link(p.imgSrc, p.imgName))
		b.WriteString(" - (" + styled(styleItalic, html.EscapeString(p.imgSize)) + ")<br/>")
		fmt.Fprintf(&b, `<a href="%s"><img alt="img" src="%s"/></a>`,
			html.EscapeString(p.imgSrc), html.EscapeString(p.imgThumb))
	}
	b.WriteString(p.bodyRich)
	b.WriteString("</span>")
	return b.String()
}

// renderBody walks the paragraphs of a post body and returns its plain text
// and XHTML renderings.
func renderBody(body *goquery.Selection, base string) (string, string) {
	var (
		paragraphs []string
		rich       strings.Builder
	)
	rich.WriteString("<span>")
	body.Children().Each(func(_ int, para *goquery.Selection) {
		style := ""
		switch {
		case goquery.NodeName(para) == "blockquote" && para.HasClass("unkfunc"):
			style = styleQuote
		case goquery.NodeName(para) == "pre":
			style = styleMono
			if inner := para.Children().First(); inner.Length() > 0 {
				para = inner
			}
		}
		var text, markup strings.Builder
		para.Contents().Each(func(_ int, n *goquery.Selection) {
			renderInline(n, base, &text, &markup)
		})
		paragraphs = append(paragraphs, text.String())
		rich.WriteString(styledOrPlain(style, "<br/><br/>"+markup.String()))
	})
	rich.WriteString("</span>")
	return strings.Join(paragraphs, "\n\n"), rich.String()
}

func renderInline(n *goquery.Selection, base string, text, markup *strings.Builder) {
	content := n.Text()
	escaped := html.EscapeString(content)
	switch goquery.NodeName(n) {
	case "#text":
		text.WriteString(content)
		markup.WriteString(escaped)
	case "a":
		href, _ := n.Attr("href")
		text.WriteString(content)
		markup.WriteString(link(absolute(base, href), content))
	case "br":
		text.WriteString("\n")
		markup.WriteString("<br/>")
	case "strong", "b":
		text.WriteString("*" + content + "*")
		markup.WriteString(styled(styleBold, escaped))
	case "em", "i":
		text.WriteString("/" + content + "/")
		markup.WriteString(styled(styleItalic, escaped))
	case "del", "s":
		text.WriteString("-" + content + "-")
		markup.WriteString(styled(styleStrike, escaped))
	case "code":
		text.WriteString(content)
		markup.WriteString(styled(styleMono, escaped))
	case "span":
		if n.HasClass("spoiler") {
			text.WriteString("%%" + content + "%%")
			markup.WriteString(styled(styleSpoiler, escaped))
			return
		}
		text.WriteString(content)
		markup.WriteString(escaped)
	default:
		text.WriteString(content)
		markup.WriteString(escaped)
	}
}

// tailText returns the text that directly follows sel inside its parent.
func tailText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	target := sel.Nodes[0]
	found := false
	tail := ""
	sel.Parent().Contents().EachWithBreak(func(_ int, n *goquery.Selection) bool {
		if found {
			if goquery.NodeName(n) == "#text" {
				tail = n.Text()
			}
			return false
		}
		found = n.Nodes[0] == target
		return true
	})
	return tail
}

func absolute(base, href string) string {
	if strings.HasPrefix(href, "/") {
		return base + href
	}
	return href
}

func styled(style, inner string) string {
	return `<span style="` + style + `">` + inner + `</span>`
}

func styledOrPlain(style, inner string) string {
	if style == "" {
		return "<span>" + inner + "</span>"
	}
	return styled(style, inner)
}

func link(href, text string) string {
	if href == "" {
		return html.EscapeString(text)
	}
	return `<a href="` + html.EscapeString(href) + `">` + html.EscapeString(text) + `</a>`
}
