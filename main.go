package main

import (
	"bufio"
	"context"
	_ "embed" // this is required in order for go:embed to work
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/nasqa/dut-harness/device"
	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/harness"
	"github.com/nasqa/dut-harness/framework/qatest"
	"github.com/nasqa/dut-harness/framework/retry"
	"github.com/nasqa/dut-harness/inventory"
	"github.com/nasqa/dut-harness/report"
	"github.com/nasqa/dut-harness/settings"
	"github.com/nasqa/dut-harness/suites"

	"github.com/google/uuid"
)

const defaultPort = 8111
const firmwareProbeTimeout = time.Second * 30
const checkoutRetryDelay = time.Second * 15
const checkinTimeout = time.Second * 30
const popcornRetries = 3

//go:embed VERSION
var versionString string // comes from the VERSION file which we update for each release

func main() {
	fmt.Printf("dut-harness v%s\n", strings.TrimSpace(versionString))

	var params commandParams
	if !params.Read(os.Args) {
		os.Exit(1)
	}
	if params.listSuites {
		suites.PrintSuites(os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	results, err := run(ctx, params)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if !results.OK() {
		os.Exit(1)
	}
}

func run(ctx context.Context, params commandParams) (*qatest.Results, error) {
	if params.skipFile != "" {
		if err := loadSuppressions(&params); err != nil {
			return nil, err
		}
	}

	logger := framework.NewTerminalLogger(os.Stderr, params.debugAll, params.noColor)
	mainDebugLogger := framework.NullLogger()
	if params.debugAll {
		mainDebugLogger = framework.SlogLogger(logger, slog.LevelDebug)
	}

	selected, err := suites.Select(params.suites)
	if err != nil {
		return nil, err
	}
	suiteNames := make([]string, 0, len(selected))
	for _, s := range selected {
		suiteNames = append(suiteNames, s.Name)
	}

	info := report.RunInfo{
		RunID: uuid.NewString(),
		Suite: strings.Join(suiteNames, ","),
		Owner: params.owner,
		Start: time.Now(),
		Properties: map[string]string{
			"harnessVersion": strings.TrimSpace(versionString),
		},
	}

	var deviceLayer *settings.Layer
	var capabilities []string
	if params.inventoryAddr != "" {
		d, release, err := checkoutDevice(ctx, params, logger, mainDebugLogger)
		if err != nil {
			return nil, err
		}
		defer release()
		deviceLayer = d.Layer()
		capabilities = append(capabilities, d.Tags...)
	}

	env, err := settings.Load(settings.Sources{
		Device:      deviceLayer,
		File:        params.settingsFile,
		Environ:     os.Environ(),
		Assignments: params.assignments,
	})
	if err != nil {
		return nil, err
	}
	configured, err := env.StringList(settings.KeyDeviceCapabilities)
	if err != nil {
		return nil, err
	}
	capabilities = append(capabilities, configured...)

	info.DeviceID = env.String(settings.KeyDeviceID)
	info.DeviceIP = env.String(settings.KeyDeviceIP)
	info.Product = env.String(settings.KeyDeviceProduct)
	info.Firmware = probeFirmware(ctx, env, logger, mainDebugLogger)
	logger.Info("Starting run", "run", info.RunID, "device", info.DeviceID, "ip", info.DeviceIP,
		"firmware", info.Firmware)

	testCtx := ctx
	var h *harness.Harness
	if !params.noHarness {
		h = harness.New(params.host, params.port, mainDebugLogger)
		if err := h.Start(os.Stderr); err != nil {
			return nil, err
		}
		defer func() { _ = h.Close() }()
		testCtx = harness.NewContext(ctx, h)
		logger.Info("Harness is listening", "url", h.ExternalBaseURL())
	}

	testLogger := &qatest.MultiTestLogger{Loggers: []qatest.TestLogger{
		qatest.ConsoleTestLogger{
			DebugOutputOnFailure: params.debug || params.debugAll,
			DebugOutputOnSuccess: params.debugAll,
		},
	}}
	if h != nil {
		testLogger.Loggers = append(testLogger.Loggers, h.Feed())
	}
	if params.jUnitFile != "" {
		testLogger.Loggers = append(testLogger.Loggers,
			qatest.NewJUnitTestLogger(params.jUnitFile, junitProperties(info), params.filters))
	}
	if params.jsonFile != "" {
		testLogger.Loggers = append(testLogger.Loggers, report.NewJSONWriter(params.jsonFile, info))
	}
	if params.csvFile != "" {
		testLogger.Loggers = append(testLogger.Loggers, report.NewCSVWriter(params.csvFile, info))
	}
	if params.htmlFile != "" {
		testLogger.Loggers = append(testLogger.Loggers, report.NewHTMLWriter(params.htmlFile, info))
	}

	uploads, closeUploaders, err := makeUploaders(ctx, params, info, mainDebugLogger)
	if err != nil {
		return nil, err
	}
	defer closeUploaders()

	qatest.PrintFilterDescription(os.Stdout, params.filters, suites.RequiredCapabilities(selected), capabilities)

	results := qatest.Run(qatest.TestConfiguration{
		Filter:       params.filters,
		TestLogger:   testLogger,
		Context:      testCtx,
		Capabilities: capabilities,
		Env:          env,
	}, func(t *qatest.T) {
		suites.Run(t, selected)
	})

	fmt.Println()
	logErr := testLogger.EndLog(results)

	// A dashboard being down is not a test failure.
	if uploads != nil {
		if err := uploads.EndLog(results); err != nil {
			logger.Warn("Some uploads failed", "error", err)
		}
	}

	if logErr != nil {
		return nil, fmt.Errorf("error writing log: %v", logErr)
	}

	if params.recordFailures != "" {
		if err := recordFailures(params.recordFailures, results); err != nil {
			return nil, err
		}
	}

	return &results, nil
}

// recordFailures writes the IDs of failed and errored tests in the format read by -skip-from.
func recordFailures(path string, results qatest.Results) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create suppression file: %v", err)
	}
	if err := writeTestIDs(f, results); err != nil {
		_ = f.Close()
		return fmt.Errorf("cannot write suppression file: %v", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cannot write suppression file: %v", err)
	}
	return nil
}

func writeTestIDs(w io.Writer, results qatest.Results) error {
	for _, tests := range [][]qatest.TestResult{results.Failures, results.Errored} {
		for _, test := range tests {
			if _, err := fmt.Fprintln(w, test.TestID); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkoutDevice claims a device from the inventory, waiting up to -checkout-wait for one to
// become free. The returned function checks it back in.
func checkoutDevice(
	ctx context.Context,
	params commandParams,
	logger *slog.Logger,
	debugLogger framework.Logger,
) (inventory.Device, func(), error) {
	filter, err := inventory.ParseFilter(params.deviceFilter)
	if err != nil {
		return inventory.Device{}, nil, err
	}
	inv, err := inventory.Connect(params.inventoryAddr, inventory.Logger(debugLogger))
	if err != nil {
		return inventory.Device{}, nil, err
	}
	d, err := retry.Do(ctx, func(ctx context.Context) (inventory.Device, error) {
		return inv.Checkout(ctx, filter, params.owner)
	},
		retry.Name("device checkout"),
		retry.RetryOn(inventory.ErrNoDeviceAvailable),
		retry.Delay(checkoutRetryDelay),
		retry.MaxRetry(int(params.checkoutWait/checkoutRetryDelay)),
		retry.Logger(debugLogger),
	)
	if err != nil {
		return inventory.Device{}, nil, err
	}
	logger.Info("Checked out device", "id", d.ID, "ip", d.IP, "product", d.Product)

	release := func() {
		// The run context may already be cancelled by an interrupt; the device must still be
		// released.
		ctx, cancel := context.WithTimeout(context.Background(), checkinTimeout)
		defer cancel()
		if err := inv.Checkin(ctx, d.ID, params.owner); err != nil {
			logger.Error("Failed to check in device", "id", d.ID, "error", err)
			return
		}
		logger.Info("Checked in device", "id", d.ID)
	}
	return d, release, nil
}

// probeFirmware reads the firmware version for the report header. The run goes ahead if it
// cannot be read; the firmware suite reports that properly.
func probeFirmware(
	ctx context.Context,
	env *settings.Environment,
	logger *slog.Logger,
	debugLogger framework.Logger,
) string {
	if !env.Has(settings.KeyDeviceIP) {
		return ""
	}
	session, err := device.NewSession(env, device.WithLogger(debugLogger))
	if err != nil {
		logger.Warn("Cannot read firmware version", "error", err)
		return ""
	}
	defer func() { _ = session.Close() }()
	ctx, cancel := context.WithTimeout(ctx, firmwareProbeTimeout)
	defer cancel()
	fw, err := session.FirmwareVersion(ctx)
	if err != nil {
		logger.Warn("Cannot read firmware version", "error", err)
		return ""
	}
	return fw.String()
}

func junitProperties(info report.RunInfo) map[string]string {
	props := map[string]string{
		"runId":    info.RunID,
		"suite":    info.Suite,
		"deviceId": info.DeviceID,
		"deviceIp": info.DeviceIP,
		"product":  info.Product,
		"firmware": info.Firmware,
	}
	for k, v := range info.Properties {
		props[k] = v
	}
	for k, v := range props {
		if v == "" {
			delete(props, k)
		}
	}
	return props
}

func makeUploaders(
	ctx context.Context,
	params commandParams,
	info report.RunInfo,
	debugLogger framework.Logger,
) (*report.UploadingLogger, func(), error) {
	var uploaders []report.Uploader
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if params.popcornURL != "" {
		p, err := report.NewPopcornUploader(params.popcornURL, params.popcornToken, popcornRetries, debugLogger)
		if err != nil {
			return nil, closeAll, err
		}
		uploaders = append(uploaders, p)
	}
	if params.logstashRedis != "" {
		l, err := report.NewLogstashUploader(params.logstashRedis, params.logstashKey)
		if err != nil {
			return nil, closeAll, err
		}
		uploaders = append(uploaders, l)
		closers = append(closers, l.Close)
	}
	if params.dynamoTable != "" {
		d, err := report.NewDynamoDBUploader(ctx, params.dynamoTable, params.dynamoRegion)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		uploaders = append(uploaders, d)
	}
	if len(uploaders) == 0 {
		return nil, closeAll, nil
	}
	return &report.UploadingLogger{Info: info, Uploaders: uploaders, Logger: debugLogger}, closeAll, nil
}

func loadSuppressions(params *commandParams) error {
	file, err := os.Open(params.skipFile)
	if err != nil {
		return fmt.Errorf("cannot open provided suppression file: %v", err)
	}
	defer func() { _ = file.Close() }()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		// Ignore blank lines and comments
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		escaped := regexp.QuoteMeta(line)
		if err := params.filters.MustNotMatch.Set(escaped); err != nil {
			return fmt.Errorf("cannot parse suppression: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("while processing suppression file: %v", err)
	}
	return nil
}
