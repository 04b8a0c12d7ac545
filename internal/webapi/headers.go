package webapi

import (
	"net/http"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/cryguy/fetch/internal/core"
)

// ForbiddenFetchHeaders is the blocklist of headers that are never
// forwarded to an HTTP peer.
var ForbiddenFetchHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
}

// requestBodyHeaders are dropped when a redirect turns the request into a
// bodyless GET.
var requestBodyHeaders = []string{
	"Content-Encoding",
	"Content-Language",
	"Content-Location",
	"Content-Type",
	"Content-Length",
}

// toHeader converts a headers initializer, validating every name and value.
// Accepted: http.Header, map[string][]string, map[string]string and
// [][2]string.
func toHeader(init any) (http.Header, error) {
	h := make(http.Header)
	switch v := init.(type) {
	case nil:
	case http.Header:
		return h, addHeaderMap(h, v)
	case map[string][]string:
		return h, addHeaderMap(h, v)
	case map[string]string:
		for name, value := range v {
			if err := addHeader(h, name, value); err != nil {
				return nil, err
			}
		}
	case [][2]string:
		for _, kv := range v {
			if err := addHeader(h, kv[0], kv[1]); err != nil {
				return nil, err
			}
		}
	default:
		return nil, core.Invalidf("unsupported headers type %T", init)
	}
	return h, nil
}

func addHeaderMap(h http.Header, m map[string][]string) error {
	for name, values := range m {
		for _, value := range values {
			if err := addHeader(h, name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func addHeader(h http.Header, name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return core.Invalidf("invalid header name %q", name)
	}
	value = strings.Trim(value, " \t\r\n")
	if !httpguts.ValidHeaderFieldValue(value) {
		return core.Invalidf("invalid header value for %q", name)
	}
	h.Add(name, value)
	return nil
}

var normalizedMethods = []string{"DELETE", "GET", "HEAD", "OPTIONS", "POST", "PUT", "PATCH"}

var forbiddenMethods = []string{"CONNECT", "TRACE", "TRACK"}

// normalizeMethod validates a method token and uppercases the well-known
// methods.
func normalizeMethod(method string) (string, error) {
	if !httpguts.ValidHeaderFieldName(method) {
		return "", core.Invalidf("invalid HTTP method %q", method)
	}
	upper := strings.ToUpper(method)
	if slices.Contains(forbiddenMethods, upper) {
		return "", core.Invalidf("HTTP method %q is not allowed", method)
	}
	if slices.Contains(normalizedMethods, upper) {
		return upper, nil
	}
	return method, nil
}
