package report

import (
	"fmt"
	"os"
	"time"

	"github.com/nasqa/dut-harness/framework/helpers"
	"github.com/nasqa/dut-harness/framework/qatest"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

const jsonTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JSONWriter writes the whole run as one JSON document when the run ends.
type JSONWriter struct {
	progressOnly
	path string
	info RunInfo
}

func NewJSONWriter(path string, info RunInfo) *JSONWriter {
	return &JSONWriter{path: path, info: info}
}

func (j *JSONWriter) EndLog(results qatest.Results) error {
	info := j.info.finished()
	data, err := EncodeRun(info, results)
	if err != nil {
		return err
	}
	fmt.Printf("Writing JSON results to %s\n", j.path)
	if err := os.WriteFile(j.path, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("could not write JSON report: %w", err)
	}
	return nil
}

// EncodeRun produces the JSON form of a run: the run and device description, a summary, and
// every result in "tests".
func EncodeRun(info RunInfo, results qatest.Results) ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()
	writeRunInfo(&obj, info)

	summary := obj.Name("summary").Object()
	summary.Name("tests").Int(len(results.Tests))
	for _, s := range []qatest.Status{qatest.StatusPassed, qatest.StatusFailed, qatest.StatusErrored, qatest.StatusSkipped} {
		summary.Name(string(s)).Int(results.Count(s))
	}
	summary.Name("nonCriticalFailures").Int(len(results.NonCriticalFailures))
	summary.Name("ok").Bool(results.OK())
	summary.End()

	tests := obj.Name("tests").Array()
	for _, rec := range Records(info, results) {
		recObj := w.Object()
		writeRecordFields(&recObj, rec)
		recObj.End()
	}
	tests.End()
	obj.End()
	return w.Bytes(), w.Error()
}

// EncodeRecord produces a self-contained JSON document for one result, carrying the run and
// device description alongside it. This is the form log aggregators index.
func EncodeRecord(info RunInfo, rec Record) ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()
	writeRunInfo(&obj, info)
	writeRecordFields(&obj, rec)
	obj.End()
	return w.Bytes(), w.Error()
}

func writeRunInfo(obj *jwriter.ObjectState, info RunInfo) {
	obj.Name("runId").String(info.RunID)
	if info.Suite != "" {
		obj.Name("suite").String(info.Suite)
	}
	if info.Owner != "" {
		obj.Name("owner").String(info.Owner)
	}
	device := obj.Name("device").Object()
	device.Name("id").String(info.DeviceID)
	device.Name("ip").String(info.DeviceIP)
	if info.Product != "" {
		device.Name("product").String(info.Product)
	}
	if info.Firmware != "" {
		device.Name("firmware").String(info.Firmware)
	}
	device.End()
	if !info.Start.IsZero() {
		obj.Name("start").String(info.Start.UTC().Format(jsonTimeFormat))
	}
	if !info.End.IsZero() {
		obj.Name("end").String(info.End.UTC().Format(jsonTimeFormat))
	}
	if len(info.Properties) != 0 {
		props := obj.Name("properties").Object()
		for _, name := range helpers.SortedKeys(info.Properties) {
			props.Name(name).String(info.Properties[name])
		}
		props.End()
	}
}

func writeRecordFields(obj *jwriter.ObjectState, rec Record) {
	obj.Name("id").String(rec.TestID)
	obj.Name("status").String(string(rec.Status))
	if rec.NonCritical {
		obj.Name("nonCritical").Bool(true)
	}
	if rec.Iteration > 0 {
		obj.Name("iteration").Int(rec.Iteration)
	}
	if !rec.Start.IsZero() {
		obj.Name("testStart").String(rec.Start.UTC().Format(jsonTimeFormat))
	}
	obj.Name("durationMs").Int(int(rec.Duration / time.Millisecond))
	if rec.Message != "" {
		obj.Name("message").String(rec.Message)
	}
	if rec.SkipReason != "" {
		obj.Name("skipReason").String(rec.SkipReason)
	}
	if len(rec.Fields) != 0 {
		fields := obj.Name("fields").Object()
		for _, name := range helpers.SortedKeys(rec.Fields) {
			rec.Fields[name].WriteToJSONWriter(fields.Name(name))
		}
		fields.End()
	}
}
