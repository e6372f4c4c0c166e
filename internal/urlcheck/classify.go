package urlcheck

import (
	"net/url"
	"strings"
)

// restrictedDomains — платформы, ссылки на которые не принимаются.
var restrictedDomains = []string{
	"youtube.com",
	"youtu.be",
	"tiktok.com",
}

// Classification — классификация URL по платформе.
type Classification struct {
	URL        string
	Domain     string
	Restricted bool
}

// ClassifyURL определяет домен ссылки и принадлежность к ограниченной платформе
// (сам домен платформы или его поддомен).
func ClassifyURL(rawURL string) Classification {
	c := Classification{URL: rawURL}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return c
	}
	c.Domain = strings.ToLower(u.Hostname())
	for _, d := range restrictedDomains {
		if c.Domain == d || strings.HasSuffix(c.Domain, "."+d) {
			c.Restricted = true
			break
		}
	}
	return c
}
