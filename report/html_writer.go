package report

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"time"

	"github.com/nasqa/dut-harness/framework/helpers"
	"github.com/nasqa/dut-harness/framework/qatest"
)

const htmlReportTmpl = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 4px 8px; text-align: left; vertical-align: top; }
.passed { color: #2a7a2a; } .failed { color: #c62828; } .errored { color: #8e24aa; } .skipped { color: #607d8b; }
pre { margin: 0; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<table>
<tr><th>Run</th><td>{{.Info.RunID}}</td></tr>
<tr><th>Device</th><td>{{.Info.DeviceID}} ({{.Info.DeviceIP}}){{if .Info.Product}} {{.Info.Product}}{{end}}</td></tr>
{{- if .Info.Firmware}}
<tr><th>Firmware</th><td>{{.Info.Firmware}}</td></tr>
{{- end}}
{{- if .Info.Owner}}
<tr><th>Owner</th><td>{{.Info.Owner}}</td></tr>
{{- end}}
<tr><th>Started</th><td>{{.Start}}</td></tr>
<tr><th>Elapsed</th><td>{{.Elapsed}}</td></tr>
{{- range .Properties}}
<tr><th>{{.Name}}</th><td>{{.Value}}</td></tr>
{{- end}}
<tr><th>Summary</th><td class="{{if .OK}}passed{{else}}failed{{end}}">{{.Summary}}</td></tr>
</table>
<h2>Tests</h2>
<table>
<tr><th>Test</th><th>Status</th><th>Duration</th><th>Details</th></tr>
{{- range .Records}}
<tr>
<td>{{.TestID}}</td>
<td class="{{.Status}}">{{.Status}}{{if .NonCritical}} (non-critical){{end}}</td>
<td>{{duration .Duration}}</td>
<td>{{if .SkipReason}}{{.SkipReason}}{{else if .Message}}<pre>{{.Message}}</pre>{{end}}
{{- range $name, $value := .Fields}}<div>{{$name}} = {{$value.JSONString}}</div>{{end}}</td>
</tr>
{{- end}}
</table>
</body>
</html>
`

var htmlReportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{ //nolint:gochecknoglobals
	"duration": func(d time.Duration) string { return d.Round(time.Millisecond).String() },
}).Parse(htmlReportTmpl))

type htmlProperty struct {
	Name  string
	Value string
}

type htmlReportData struct {
	Title      string
	Info       RunInfo
	Start      string
	Elapsed    string
	Properties []htmlProperty
	Summary    string
	OK         bool
	Records    []Record
}

// HTMLWriter writes a standalone HTML page when the run ends.
type HTMLWriter struct {
	progressOnly
	path string
	info RunInfo
}

func NewHTMLWriter(path string, info RunInfo) *HTMLWriter {
	return &HTMLWriter{path: path, info: info}
}

func (h *HTMLWriter) EndLog(results qatest.Results) error {
	f, err := os.Create(h.path)
	if err != nil {
		return fmt.Errorf("could not create HTML report: %w", err)
	}
	fmt.Printf("Writing HTML results to %s\n", h.path)
	err = WriteHTML(f, h.info.finished(), results)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// WriteHTML renders the report page. All values are escaped by html/template.
func WriteHTML(w io.Writer, info RunInfo, results qatest.Results) error {
	data := htmlReportData{
		Title:   "Device test report: " + helpers.IfElse(info.Suite != "", info.Suite, "all suites"),
		Info:    info,
		Summary: results.Summary(),
		OK:      results.OK(),
		Records: Records(info, results),
	}
	if !info.Start.IsZero() {
		data.Start = info.Start.Format(time.RFC1123)
		if !info.End.IsZero() {
			data.Elapsed = info.End.Sub(info.Start).Round(time.Second).String()
		}
	}
	for _, name := range helpers.SortedKeys(info.Properties) {
		data.Properties = append(data.Properties, htmlProperty{Name: name, Value: info.Properties[name]})
	}
	return htmlReportTemplate.Execute(w, data)
}
