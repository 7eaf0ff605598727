// Package extractor recovers candidate asset names from bundle text.
//
// Matching is purely lexical. Each rule runs over the whole input and the
// results are unioned; incidental matches are expected and surface later as
// failed fetches.
package extractor

import (
	"regexp"
	"sort"
)

var rules = []*regexp.Regexp{
	// "b456855ec667950dcf68": bare content hash.
	regexp.MustCompile(`"([A-Fa-f0-9]{20})"`),
	// {87494:"2681623fb3f7aa56",1e4:"..."}: chunk id to hashed filename.
	regexp.MustCompile(`\d\w*:"([a-f0-9]{16})"`),
	// n.exports=a.p+"40532.f4ff6c4a39fa78f07880.css"
	regexp.MustCompile(`\.exports=.\..\+"(.*?\..{0,5})"`),
	// url(/assets/e689380400b1f2d2c6320a823a1ab079.svg)
	regexp.MustCompile(`/assets/([a-zA-Z0-9]+\.[a-z0-9]{2,5})`),
}

// Set is an unordered collection of asset names.
type Set map[string]struct{}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the names in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Extract returns every asset name referenced by content.
func Extract(content string) Set {
	refs := make(Set)
	for _, re := range rules {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if len(m) > 1 && m[1] != "" {
				refs[m[1]] = struct{}{}
			}
		}
	}
	return refs
}
