package httpapi

import (
	"net/http"
	"path"
	"strings"
)

// normalizeBasePath returns the mount prefix as "/a/b", or "" for the root.
func normalizeBasePath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := path.Clean("/" + value)
	if cleaned == "/" {
		return ""
	}
	return cleaned
}

// buildBaseHref joins the public URL and the mount prefix into the value of
// the pages' <base href>, always ending in a slash.
func buildBaseHref(baseURL, basePath string) string {
	href := strings.TrimRight(strings.TrimSpace(baseURL), "/") + normalizeBasePath(basePath)
	if href == "" {
		return ""
	}
	return href + "/"
}

// mountAt serves handler below prefix. A request for the bare prefix is
// redirected to prefix + "/"; anything outside it is not found.
func mountAt(prefix string, handler http.Handler) http.Handler {
	if prefix == "" {
		return handler
	}
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}
