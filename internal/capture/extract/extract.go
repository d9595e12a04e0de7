// Package extract pulls scoring material out of captured HTML: visible text,
// outbound links and the handful of DOM facts recorded as evidence metadata.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/k3a/html2text"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

const maxLinks = 200

// Page is the extracted view of one document.
type Page struct {
	Title          string
	Description    string
	Language       string
	Text           string
	Links          []string
	Forms          int
	PasswordFields int
}

// Extract parses html and returns its visible text truncated to textLimit
// runes. baseURL resolves relative links. A document that fails to parse
// still yields its text.
func Extract(html, baseURL string, textLimit int) Page {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Page{Text: pipeline.Truncate(collapse(html2text.HTML2Text(html)), textLimit)}
	}

	var page Page
	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if page.Title == "" {
		page.Title = attr(doc.Find(`meta[property="og:title"]`), "content")
	}
	page.Description = attr(doc.Find(`meta[name="description"]`), "content")
	page.Language = attr(doc.Find("html"), "lang")
	page.Forms = doc.Find("form").Length()
	page.PasswordFields = doc.Find(`input[type="password"]`).Length()
	page.Links = links(doc, baseURL)

	doc.Find("script, style, noscript, template, svg, head").Remove()
	body, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(body) == "" {
		body, _ = doc.Html()
	}
	page.Text = pipeline.Truncate(collapse(html2text.HTML2Text(body)), textLimit)
	return page
}

// Metadata renders the page facts stored alongside the evidence row.
func (p Page) Metadata() map[string]any {
	return map[string]any{
		"title":           p.Title,
		"description":     p.Description,
		"language":        p.Language,
		"forms":           p.Forms,
		"password_fields": p.PasswordFields,
		"links":           len(p.Links),
		"text_length":     len([]rune(p.Text)),
	}
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.First().Attr(name)
	return strings.TrimSpace(v)
}

func links(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := strings.TrimSpace(attr(a, "href"))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return true
		}
		u.Fragment = ""
		link := u.String()
		if _, ok := seen[link]; ok {
			return true
		}
		seen[link] = struct{}{}
		out = append(out, link)
		return len(out) < maxLinks
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
