package gateway

import (
	"net/http"
	"path"
	"strings"
)

// requestClass is the strategy bucket an intercepted request falls into.
// Every GET request lands in exactly one class.
type requestClass int

const (
	classAPI requestClass = iota
	classStatic
	classNavigation
	classDynamic
)

func (c requestClass) String() string {
	switch c {
	case classAPI:
		return "api"
	case classStatic:
		return "static"
	case classNavigation:
		return "navigation"
	default:
		return "dynamic"
	}
}

// staticExtensions are the asset types served cache-first.
var staticExtensions = map[string]bool{
	".js":    true,
	".mjs":   true,
	".css":   true,
	".png":   true,
	".jpg":   true,
	".jpeg":  true,
	".gif":   true,
	".svg":   true,
	".webp":  true,
	".ico":   true,
	".woff":  true,
	".woff2": true,
	".ttf":   true,
	".otf":   true,
}

// classify assigns a request to its strategy bucket. Priority order
// matters: an API path with a static-looking extension is still API.
func (e *Engine) classify(r *http.Request) requestClass {
	if strings.HasPrefix(r.URL.Path, e.apiPrefix) {
		return classAPI
	}
	if staticExtensions[strings.ToLower(path.Ext(r.URL.Path))] {
		return classStatic
	}
	if isNavigation(r) {
		return classNavigation
	}
	return classDynamic
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
