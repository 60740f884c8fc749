// Package web renders the HTML dashboard served next to the metrics.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/report"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/base.html", "templates/*.html"))
}

// Render writes the named template (which can rely on base) to w with data enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return tmpl.ExecuteTemplate(w, "base", data)
	}
	return nil
}

// Dashboard renders the local snapshot, or every instance when peers holds
// more than this one.
func Dashboard(w io.Writer, local report.Snapshot, peers []report.Snapshot) error {
	data := local.ToTemplateMap()
	data["Title"] = "socketproxy " + local.Instance
	if len(peers) > 1 {
		views := make([]map[string]any, 0, len(peers))
		for _, p := range peers {
			views = append(views, p.ToTemplateMap())
		}
		data["Peers"] = views
	}
	return Render(w, "dashboard", data)
}
