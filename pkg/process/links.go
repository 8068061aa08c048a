package process

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/parse"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

const maxFragmentBytes = 4096

// resourceSelectors lists the elements whose attribute points at embeddable content
var resourceSelectors = []struct {
	selector string
	attr     string
	fallback models.Category // Used when neither the URL nor a type attribute says more
}{
	{"img[src], img[data-src]", "src", models.CategoryImage},
	{"video[src]", "src", models.CategoryVideo},
	{"audio[src]", "src", models.CategoryAudio},
	{"video source[src]", "src", models.CategoryVideo},
	{"audio source[src]", "src", models.CategoryAudio},
	{"embed[src]", "src", models.CategoryOther},
	{"object[data]", "data", models.CategoryOther},
}

// Candidate is an embeddable resource found on a page
type Candidate struct {
	URL     string          // Absolute, fragment removed, query kept
	Context string          // Markup of the element's immediate container
	Hint    models.Category // Category guessed before downloading
}

// Links is everything LinkExtractor found on one page
type Links struct {
	Title      string
	InDomain   []string // Normalized, in document order
	External   []string // Normalized, in document order
	Candidates []Candidate
}

// LinkExtractor resolves and classifies the links of pages belonging to one site
type LinkExtractor struct {
	host       string
	disallowed []*regexp.Regexp
	log        *logrus.Entry
}

// NewLinkExtractor creates an extractor for the site of target. In-domain links
// whose path matches a disallowed pattern are dropped.
func NewLinkExtractor(target *url.URL, disallowed []*regexp.Regexp, log *logrus.Entry) *LinkExtractor {
	return &LinkExtractor{
		host:       parse.HostKey(target),
		disallowed: disallowed,
		log:        log,
	}
}

// Host returns the host key links are compared against
func (le *LinkExtractor) Host() string { return le.host }

// Extract parses html and resolves every href and resource src against base.
// Anchors pointing at downloadable content become candidates instead of page links.
func (le *LinkExtractor) Extract(html string, base *url.URL) (Links, error) {
	var out Links
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return out, fmt.Errorf("%w: HTML document: %w", utils.ErrParsing, err)
	}
	out.Title = strings.TrimSpace(doc.Find("title").First().Text())

	seenPages := make(map[string]bool)
	seenCandidates := make(map[string]bool)

	addCandidate := func(abs *url.URL, sel *goquery.Selection, hint models.Category) {
		key := parse.StripFragment(abs)
		if seenCandidates[key] {
			return
		}
		seenCandidates[key] = true
		out.Candidates = append(out.Candidates, Candidate{URL: key, Context: contextFragment(sel), Hint: hint})
	}

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := le.resolve(base, href)
		if abs == nil {
			return
		}
		if hint := Classify(abs.String(), ""); hint != models.CategoryOther {
			addCandidate(abs, a, hint)
			return
		}

		normalized := parse.NormalizeURL(abs)
		if seenPages[normalized] {
			return
		}
		if parse.HostKey(abs) != le.host {
			seenPages[normalized] = true
			out.External = append(out.External, normalized)
			return
		}
		if utils.MatchAny(le.disallowed, abs.Path) {
			le.log.Debugf("Link '%s' disallowed by pattern", abs)
			return
		}
		seenPages[normalized] = true
		out.InDomain = append(out.InDomain, normalized)
	})

	for _, rs := range resourceSelectors {
		doc.Find(rs.selector).Each(func(_ int, el *goquery.Selection) {
			ref := strings.TrimSpace(el.AttrOr(rs.attr, ""))
			if ref == "" {
				ref = strings.TrimSpace(el.AttrOr("data-src", ""))
			}
			abs := le.resolve(base, ref)
			if abs == nil {
				return
			}
			hint := Classify(abs.String(), el.AttrOr("type", ""))
			if hint == models.CategoryOther {
				hint = rs.fallback
			}
			addCandidate(abs, el, hint)
		})
	}

	return out, nil
}

// resolve turns ref into an absolute http(s) URL, or nil when it cannot be followed
func (le *LinkExtractor) resolve(base *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil
	}
	abs, err := base.Parse(ref)
	if err != nil {
		le.log.Debugf("Skipping invalid reference '%s': %v", ref, err)
		return nil
	}
	if !parse.IsHTTP(abs) || abs.Hostname() == "" {
		return nil
	}
	return abs
}

// contextFragment returns the markup immediately containing sel, falling back to
// the element itself when its parent is the whole document body
func contextFragment(sel *goquery.Selection) string {
	target := sel
	if parent := sel.Parent(); parent.Length() > 0 {
		switch goquery.NodeName(parent) {
		case "body", "html", "#document":
		default:
			target = parent
		}
	}
	fragment, err := goquery.OuterHtml(target)
	if err != nil {
		return ""
	}
	if len(fragment) > maxFragmentBytes {
		fragment = fragment[:maxFragmentBytes]
	}
	return fragment
}
