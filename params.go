package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nasqa/dut-harness/framework/qatest"
	"github.com/nasqa/dut-harness/settings"
	"github.com/nasqa/dut-harness/suites"
)

type commandParams struct {
	settingsFile   string
	assignments    settings.Assignments
	filters        qatest.RegexFilters
	suites         stringList
	listSuites     bool
	loops          int
	port           int
	host           string
	noHarness      bool
	debug          bool
	debugAll       bool
	noColor        bool
	skipFile       string
	recordFailures string
	jUnitFile      string
	jsonFile       string
	csvFile        string
	htmlFile       string

	inventoryAddr string
	deviceFilter  string
	owner         string
	checkoutWait  time.Duration

	popcornURL    string
	popcornToken  string
	logstashRedis string
	logstashKey   string
	dynamoTable   string
	dynamoRegion  string
}

// stringList is a flag that can be repeated or given a comma-separated list.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}

func (c *commandParams) Read(args []string) bool {
	fs := flag.NewFlagSet("", flag.ExitOnError)
	fs.StringVar(&c.settingsFile, "settings", "", "JSON or YAML settings file")
	fs.Var(&c.assignments, "set", "override a setting, as key=value (may be repeated)")
	fs.Var(&c.filters.MustMatch, "run", "regex pattern(s) to select tests to run")
	fs.Var(&c.filters.MustNotMatch, "skip", "regex pattern(s) to select tests not to run")
	fs.StringVar(&c.skipFile, "skip-from", "", "file of test IDs to skip, one per line")
	fs.StringVar(&c.recordFailures, "record-failures", "", "write the IDs of failed tests to the specified path")
	fs.Var(&c.suites, "suite", "suite(s) to run; default is every suite except reboot")
	fs.BoolVar(&c.listSuites, "list-suites", false, "list the built-in suites and exit")
	fs.IntVar(&c.loops, "loops", 0, "shorthand for -set "+settings.KeyRunLoops+"=N")
	fs.StringVar(&c.host, "host", "localhost", "external hostname of the harness, as seen by the device")
	fs.IntVar(&c.port, "port", defaultPort, "port that the harness will listen on; 0 picks a free port")
	fs.BoolVar(&c.noHarness, "no-harness", false, "do not start the HTTP listener")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging for failed tests")
	fs.BoolVar(&c.debugAll, "debug-all", false, "enable debug logging for all tests")
	fs.BoolVar(&c.noColor, "no-color", false, "disable colored log output")
	fs.StringVar(&c.jUnitFile, "junit", "", "write JUnit XML output to the specified path")
	fs.StringVar(&c.jsonFile, "json", "", "write a JSON report to the specified path")
	fs.StringVar(&c.csvFile, "csv", "", "write a CSV report to the specified path")
	fs.StringVar(&c.htmlFile, "html", "", "write an HTML report to the specified path")

	fs.StringVar(&c.inventoryAddr, "inventory", "", "Consul address of the device inventory; check out a device from it")
	fs.StringVar(&c.deviceFilter, "device-filter", "", `inventory device filter, e.g. "product=PR4100 raid"`)
	fs.StringVar(&c.owner, "owner", defaultOwner(), "owner name recorded when checking out a device")
	fs.DurationVar(&c.checkoutWait, "checkout-wait", 0, "keep trying to check out a device for this long")

	fs.StringVar(&c.popcornURL, "popcorn-url", "", "upload results to this Popcorn dashboard URL")
	fs.StringVar(&c.popcornToken, "popcorn-token", os.Getenv("POPCORN_TOKEN"), "Popcorn API token")
	fs.StringVar(&c.logstashRedis, "logstash-redis", "", "push results to the Logstash Redis list at this URL")
	fs.StringVar(&c.logstashKey, "logstash-key", "dut-harness", "Logstash Redis list key")
	fs.StringVar(&c.dynamoTable, "dynamodb-table", "", "archive results in this DynamoDB table")
	fs.StringVar(&c.dynamoRegion, "dynamodb-region", "", "AWS region of the DynamoDB table")

	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		return false
	}
	if c.listSuites {
		return true
	}
	if c.loops < 0 {
		fmt.Fprintln(os.Stderr, "-loops cannot be negative")
		fs.Usage()
		return false
	}
	if c.loops > 0 {
		_ = c.assignments.Set(fmt.Sprintf("%s=%d", settings.KeyRunLoops, c.loops))
	}
	if c.deviceFilter != "" && c.inventoryAddr == "" {
		fmt.Fprintln(os.Stderr, "-device-filter requires -inventory")
		fs.Usage()
		return false
	}
	if _, err := suites.Select(c.suites); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "Available suites:")
		suites.PrintSuites(os.Stderr)
		return false
	}
	return true
}

func defaultOwner() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	host, _ := os.Hostname()
	return host
}
