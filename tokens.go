package gablib

import (
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tokens are the values pulled out of a site page. Any of them may be
// empty; Bootstrap is nil when the page carries no bootstrap state.
type Tokens struct {
	AuthenticityToken string
	CSRFToken         string
	AccessToken       string
	Bootstrap         *BootstrapState
}

// TokenExtractor pulls tokens out of an HTML page.
//
// A page whose bootstrap script is present but not valid JSON must be
// reported as an error: it means the site markup changed under the client.
// A page without the script is not an error.
type TokenExtractor interface {
	Extract(page string) (*Tokens, error)
}

const bootstrapScriptID = "initial-state"

// DOMExtractor parses the page with an HTML tokenizer and finds the three
// markers by element, name and id, independent of attribute order and
// quoting.
type DOMExtractor struct{}

// Extract implements TokenExtractor.
func (DOMExtractor) Extract(page string) (*Tokens, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, newError(CodeProtocol, "could not parse page markup", 0, err)
	}

	var (
		tokens       Tokens
		rawBootstrap string
		haveScript   bool
	)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Input:
				if tokens.AuthenticityToken == "" && attr(n, "name") == "authenticity_token" {
					tokens.AuthenticityToken = attr(n, "value")
				}
			case atom.Meta:
				if tokens.CSRFToken == "" && attr(n, "name") == "csrf-token" {
					tokens.CSRFToken = attr(n, "content")
				}
			case atom.Script:
				if !haveScript && attr(n, "id") == bootstrapScriptID {
					haveScript = true
					rawBootstrap = textContent(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if haveScript {
		if err := tokens.setBootstrap(rawBootstrap); err != nil {
			return nil, err
		}
	}
	return &tokens, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// PatternExtractor matches the markers with regular expressions shaped
// after the site's current markup. Tags are matched whole and their
// attributes read separately, so attribute order does not matter, but
// unlike DOMExtractor it does not understand comments or nested markup.
type PatternExtractor struct{}

var (
	inputTagPattern  = regexp.MustCompile(`(?i)<input\b[^>]*>`)
	metaTagPattern   = regexp.MustCompile(`(?i)<meta\b[^>]*>`)
	scriptTagPattern = regexp.MustCompile(`(?is)<script\b([^>]*)>(.*?)</script>`)
	attrPattern      = regexp.MustCompile(`([a-zA-Z_:][-a-zA-Z0-9_:.]*)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)
)

// Extract implements TokenExtractor.
func (PatternExtractor) Extract(page string) (*Tokens, error) {
	var tokens Tokens
	for _, tag := range inputTagPattern.FindAllString(page, -1) {
		attrs := tagAttrs(tag)
		if attrs["name"] == "authenticity_token" {
			tokens.AuthenticityToken = attrs["value"]
			break
		}
	}
	for _, tag := range metaTagPattern.FindAllString(page, -1) {
		attrs := tagAttrs(tag)
		if attrs["name"] == "csrf-token" {
			tokens.CSRFToken = attrs["content"]
			break
		}
	}
	for _, m := range scriptTagPattern.FindAllStringSubmatch(page, -1) {
		if tagAttrs(m[1])["id"] != bootstrapScriptID {
			continue
		}
		if err := tokens.setBootstrap(m[2]); err != nil {
			return nil, err
		}
		break
	}
	return &tokens, nil
}

// tagAttrs returns the unescaped attributes of one tag. The first
// occurrence of a name wins, as in an HTML parser.
func tagAttrs(tag string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(tag, -1) {
		name := strings.ToLower(m[1])
		if _, seen := attrs[name]; seen {
			continue
		}
		attrs[name] = html.UnescapeString(m[2] + m[3] + m[4])
	}
	return attrs
}

// setBootstrap parses the bootstrap script body. An empty script counts as
// absent.
func (t *Tokens) setBootstrap(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !json.Valid([]byte(raw)) {
		return newError(CodeProtocol, "could not parse initial JSON from page", 0, nil)
	}
	state, err := parseBootstrapState([]byte(raw))
	if err != nil {
		return newError(CodeProtocol, "could not parse initial JSON from page", 0, err)
	}
	t.Bootstrap = state
	t.AccessToken = state.Meta.AccessToken
	return nil
}
