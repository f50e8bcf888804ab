// Package web renders the operator dashboard.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{
		"plural": func(n int, one, many string) string {
			if n == 1 {
				return one
			}
			return many
		},
	})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named page to w. data is enriched with Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().UTC().Format(time.RFC1123)
	if tmpl.Lookup(name) == nil {
		obs.Warn("web.template_missing", obs.Fields{"template": name})
		return tmpl.ExecuteTemplate(w, "base", data)
	}
	return tmpl.ExecuteTemplate(w, name, data)
}
