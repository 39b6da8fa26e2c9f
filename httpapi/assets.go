package httpapi

import (
	"embed"
	"html/template"
	"io/fs"
	"net/url"
)

//go:embed assets/* templates/*.html
var embedded embed.FS

var assetsFS fs.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"pathEscape": url.PathEscape,
}).ParseFS(embedded, "templates/*.html"))

func init() {
	sub, err := fs.Sub(embedded, "assets")
	if err != nil {
		assetsFS = embedded
		return
	}
	assetsFS = sub
}
