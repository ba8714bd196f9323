package orchestrator

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var urlRe = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

// extractCitations collects documentation URLs that appeared in tool
// results AND are actually cited in the final answer; uncited URLs are
// discarded. Order follows first appearance in the sources.
func extractCitations(answer string, sources []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, src := range sources {
		for _, u := range extractURLs(src) {
			if seen[u] || !strings.Contains(answer, u) {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// extractURLs pulls URLs out of a blob that may be plain text, JSON, or
// an HTML fragment. Anchor hrefs are taken from parsed HTML; bare URLs
// are matched lexically with trailing punctuation stripped.
func extractURLs(s string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(u string) {
		u = strings.TrimRight(u, ".,;:)]}\"'")
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	if strings.Contains(s, "<a ") {
		if doc, err := html.Parse(strings.NewReader(s)); err == nil {
			var walk func(*html.Node)
			walk = func(n *html.Node) {
				if n.Type == html.ElementNode && n.Data == "a" {
					for _, attr := range n.Attr {
						if attr.Key == "href" && strings.HasPrefix(attr.Val, "http") {
							add(attr.Val)
						}
					}
				}
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					walk(c)
				}
			}
			walk(doc)
		}
	}

	for _, u := range urlRe.FindAllString(s, -1) {
		add(u)
	}
	return out
}

// splitFollowUps separates trailing follow-up questions (lines ending in
// a question mark, at most three) from the answer body. Bullet and
// numbering prefixes are stripped from the questions.
func splitFollowUps(answer string) (body string, followUps []string) {
	lines := strings.Split(strings.TrimRight(answer, "\n"), "\n")
	cut := len(lines)
	for i := len(lines) - 1; i >= 0 && len(followUps) < 3; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			cut = i
			continue
		}
		if !strings.HasSuffix(line, "?") {
			break
		}
		line = strings.TrimLeft(line, "-*0123456789. )")
		followUps = append([]string{strings.TrimSpace(line)}, followUps...)
		cut = i
	}
	body = strings.TrimSpace(strings.Join(lines[:cut], "\n"))
	if body == "" {
		// The whole answer was questions; keep it as the body instead.
		return strings.TrimSpace(answer), nil
	}
	return body, followUps
}
