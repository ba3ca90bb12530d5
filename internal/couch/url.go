package couch

import (
	"net/url"
	"strings"
)

// withLeadingSlash returns p prefixed with "/" when it lacks one.
func withLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// setURLParameter sets key=value in the query string of target, replacing any
// existing value for key.
func setURLParameter(target, key, value string) string {
	path, rawQuery, _ := strings.Cut(target, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		params = url.Values{}
	}
	params.Set(key, value)
	return path + "?" + params.Encode()
}

// query renders a query string with a leading "?", or "" when there are no
// parameters. Parameter order is kept.
type query []string

func (q *query) add(key, value string) {
	*q = append(*q, url.QueryEscape(key)+"="+url.QueryEscape(value))
}

func (q query) String() string {
	if len(q) == 0 {
		return ""
	}
	return "?" + strings.Join(q, "&")
}
