package render

import (
	"html/template"
	"io"
	"strings"

	"github.com/govready/release-grq/internal/config"
	"github.com/govready/release-grq/internal/fetcher"
	"github.com/govready/release-grq/internal/utils/convert"
)

// Spacer is printed after every row so rows can be pasted one at a time.
const Spacer = "\n====\n"

// Entry is one measured artifact of a release.
type Entry struct {
	Release  string
	Format   fetcher.Format
	FileName string
	Checksum string
	Size     int64
	// First marks the first format of a release; only that row carries the
	// release name.
	First bool
}

type rowData struct {
	Class    string
	Release  template.HTML
	FileName string
	Checksum string
	Bytes    int64
	Size     string
}

var rowTemplate = template.Must(template.New("row").Parse(`<tr>
  <td class="{{.Class}}">{{.Release}}</td>
  <td><a href="{{.FileName}}">{{.FileName}}</a></td>
  <td>{{.Checksum}}</td>
  <td data-bytes="{{.Bytes}}">{{.Size}}</td>
</tr>`))

// WriteRow writes the download-page table row for e to w.
func WriteRow(w io.Writer, e Entry) error {
	name := e.FileName
	if name == "" {
		name = fetcher.FileName(config.DefaultFilePrefix, e.Release, e.Format)
	}
	data := rowData{
		Release:  template.HTML("&nbsp;"),
		FileName: name,
		Checksum: e.Checksum,
		Bytes:    e.Size,
		Size:     convert.FormatMB(e.Size),
	}
	if e.First {
		data.Class = "release"
		data.Release = template.HTML(template.HTMLEscapeString(e.Release))
	}
	return rowTemplate.Execute(w, data)
}

// Row renders e as a string. The template only sees strings and integers,
// so execution cannot fail at runtime.
func Row(e Entry) string {
	var b strings.Builder
	if err := WriteRow(&b, e); err != nil {
		panic(err)
	}
	return b.String()
}

// Rows renders entries in order, each followed by Spacer.
func Rows(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(Row(e))
		b.WriteString(Spacer)
	}
	return b.String()
}
