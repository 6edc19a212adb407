package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = ":"

// Keyer derives request identities for the cache.
// A request is identified by its method and its absolute URL.
// Origin-form requests (just a path) are resolved against the base URL,
// so that "/style.css" and "http://origin/style.css" share an entry.
type Keyer struct {
	// Base URL used to resolve relative request URLs.
	Base *url.URL
}

func NewKeyer(base *url.URL) Keyer {
	return Keyer{Base: base}
}

// URL returns the absolute URL of the request.
func (k Keyer) URL(r *http.Request) *url.URL {
	return k.Resolve(r.URL)
}

// Resolve makes u absolute using the base URL.
func (k Keyer) Resolve(u *url.URL) *url.URL {
	resolved := *u
	if k.Base != nil && (resolved.Scheme == "" || resolved.Host == "") {
		resolved = *k.Base.ResolveReference(u)
	}
	// the fragment never reaches the network
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return &resolved
}

// Key returns the cache key for a request.
func (k Keyer) Key(r *http.Request) string {
	return r.Method + methodSeparator + k.URL(r).String()
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key.
// It returns an error if the request cannot for some reason be deducted.
func (k Keyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || rawURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, rawURL, nil)
}
