package crawler

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/alvmarrod/deadend-crawler/pkg/types"
)

// DefaultExcludePatterns skip admin areas, VCS metadata and vendored trees
var DefaultExcludePatterns = []string{
	"*/wp-admin/*",
	"*/admin/*",
	"*/login/*",
	"*/logout/*",
	"*/api/v*",
	"*/.git/*",
	"*/.svn/*",
	"*/node_modules/*",
	"*/vendor/*",
	"*/_*",
	"*/cgi-bin/*",
}

// Excluded hosts (social media, ads, analytics)
var excludedHosts = []string{
	"*facebook.com",
	"*fb.com",
	"*twitter.com",
	"*instagram.com",
	"*linkedin.com",
	"*youtube.com",
	"*google-analytics.com",
	"*doubleclick.net",
	"ad.*",
	"ads.*",
	"analytic.*",
	"analytics.*",
	"*googletagmanager.com",
	"*googleapis.com",
}

// LinkScope decides which extracted links belong in a page result
type LinkScope struct {
	includeExternal bool
	urlGlobs        []glob.Glob
	hostGlobs       []glob.Glob
	hosts           *hostLimiter
}

// ScopeOptions configures a LinkScope
type ScopeOptions struct {
	IncludeExternal bool
	// ExcludePatterns are URL globs. Nil uses DefaultExcludePatterns; an
	// empty non-nil slice disables URL exclusion.
	ExcludePatterns []string
	// MaxSubdomainsPerRoot caps distinct hosts per root domain. 0 disables.
	MaxSubdomainsPerRoot int
}

// NewLinkScope compiles the exclusion patterns
func NewLinkScope(opts ScopeOptions) (*LinkScope, error) {
	patterns := opts.ExcludePatterns
	if patterns == nil {
		patterns = DefaultExcludePatterns
	}

	s := &LinkScope{
		includeExternal: opts.IncludeExternal,
		hosts:           newHostLimiter(opts.MaxSubdomainsPerRoot),
	}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		s.urlGlobs = append(s.urlGlobs, g)
	}
	for _, p := range excludedHosts {
		s.hostGlobs = append(s.hostGlobs, glob.MustCompile(p))
	}
	return s, nil
}

// ExtractDomain extracts the hostname (domain/subdomain) from a URL string
func ExtractDomain(urlStr string) (string, error) {
	// Handle protocol-relative URLs
	if strings.HasPrefix(urlStr, "//") {
		urlStr = "https:" + urlStr
	}

	// Relative URLs have no domain
	if !strings.Contains(urlStr, "://") {
		return "", nil
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	return strings.ToLower(parsed.Hostname()), nil
}

// ExtractRootDomain extracts the registrable domain (eTLD+1) from a host
// Example: blog.example.com -> example.com, www.bbc.co.uk -> bbc.co.uk
// IP addresses, single-label hosts and bare public suffixes are returned as is.
func ExtractRootDomain(domain string) string {
	if net.ParseIP(domain) != nil {
		return domain
	}
	root, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return root
}

// Normalize strips the fragment and rejects anything that is not absolute http(s)
func Normalize(rawURL string) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", false
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	if parsed.Host == "" {
		return "", false
	}

	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String(), true
}

// IsExcluded reports whether a normalized URL matches an exclusion pattern or an excluded host
func (s *LinkScope) IsExcluded(link string) bool {
	for _, g := range s.urlGlobs {
		if g.Match(link) {
			return true
		}
	}

	host, err := ExtractDomain(link)
	if err != nil || host == "" {
		return true
	}
	for _, g := range s.hostGlobs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// IsInternal reports whether link shares the root domain of pageURL
func IsInternal(pageURL, link string) bool {
	pageHost, err := ExtractDomain(pageURL)
	if err != nil || pageHost == "" {
		return false
	}
	linkHost, err := ExtractDomain(link)
	if err != nil || linkHost == "" {
		return false
	}
	return ExtractRootDomain(pageHost) == ExtractRootDomain(linkHost)
}

// Add files an absolute link into links. It returns false when the link is
// out of scope.
func (s *LinkScope) Add(links *types.Links, pageURL, href, text string) bool {
	normalized, ok := Normalize(href)
	if !ok {
		return false
	}
	if s.IsExcluded(normalized) {
		logrus.Tracef("Excluded link %s", normalized)
		return false
	}

	link := types.Link{Href: normalized, Text: strings.TrimSpace(text)}
	internal := IsInternal(pageURL, normalized)
	if !internal && !s.includeExternal {
		return false
	}

	host, _ := ExtractDomain(normalized)
	if !s.hosts.allow(host) {
		logrus.Tracef("Subdomain limit reached for %s", host)
		return false
	}

	if internal {
		links.Internal = append(links.Internal, link)
		return true
	}
	links.External = append(links.External, link)
	return true
}
