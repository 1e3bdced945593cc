package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nasqa/dut-harness/framework/helpers"
	"github.com/nasqa/dut-harness/framework/qatest"
)

var csvHeader = []string{ //nolint:gochecknoglobals
	"run_id", "device_id", "device_ip", "firmware", "test", "status", "non_critical", "iteration",
	"duration_ms", "message", "fields",
}

// CSVWriter writes one row per result when the run ends, in the layout spreadsheets built on
// the old reports expect.
type CSVWriter struct {
	progressOnly
	path string
	info RunInfo
}

func NewCSVWriter(path string, info RunInfo) *CSVWriter {
	return &CSVWriter{path: path, info: info}
}

func (c *CSVWriter) EndLog(results qatest.Results) error {
	f, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("could not create CSV report: %w", err)
	}
	fmt.Printf("Writing CSV results to %s\n", c.path)
	err = WriteCSV(f, c.info.finished(), results)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// WriteCSV writes a header row and one row per result. Recorded fields are folded into a
// single column as name=value pairs, sorted by name.
func WriteCSV(w io.Writer, info RunInfo, results qatest.Results) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range Records(info, results) {
		fields := make([]string, 0, len(rec.Fields))
		for _, name := range helpers.SortedKeys(rec.Fields) {
			v := rec.Fields[name]
			if v.IsString() {
				fields = append(fields, name+"="+v.StringValue())
			} else {
				fields = append(fields, name+"="+v.JSONString())
			}
		}
		row := []string{
			info.RunID,
			info.DeviceID,
			info.DeviceIP,
			info.Firmware,
			rec.TestID,
			string(rec.Status),
			strconv.FormatBool(rec.NonCritical),
			strconv.Itoa(rec.Iteration),
			strconv.FormatInt(rec.Duration.Milliseconds(), 10),
			helpers.IfElse(rec.SkipReason != "", rec.SkipReason, rec.Message),
			strings.Join(fields, " "),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
