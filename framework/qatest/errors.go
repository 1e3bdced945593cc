package qatest

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"
)

type ErrorWithStacktrace struct {
	Message    string
	Stacktrace []StacktraceInfo
}

type StacktraceInfo struct {
	FileName string
	Package  string
	Function string
	Line     int
}

func (e ErrorWithStacktrace) Error() string { return e.Message }

func (s StacktraceInfo) String() string {
	packageName := strings.TrimPrefix(s.Package, rootPackageName()+"/")
	return fmt.Sprintf("%s.%s (%s:%d)", packageName, s.Function, s.FileName, s.Line)
}

// FailureError is the error a stage returns to report that the device did not behave as
// expected. Any error that is not one of the other categories below is treated the same way.
type FailureError struct {
	Message string
}

func (e FailureError) Error() string { return e.Message }

// Failf returns a FailureError.
func Failf(format string, args ...interface{}) error {
	return FailureError{Message: fmt.Sprintf(format, args...)}
}

// SkipError is the error a stage returns to skip the test.
type SkipError struct {
	Reason string
}

func (e SkipError) Error() string { return "skipped: " + e.Reason }

// Skipf returns a SkipError.
func Skipf(format string, args ...interface{}) error {
	return SkipError{Reason: fmt.Sprintf(format, args...)}
}

// AbortError is the error a stage returns when the test could not be carried out at all,
// as opposed to the device failing it. The test is reported as errored rather than failed.
type AbortError struct {
	Err error
}

func (e AbortError) Error() string { return e.Err.Error() }
func (e AbortError) Unwrap() error { return e.Err }

// Abort wraps err as an AbortError. It returns nil if err is nil.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return AbortError{Err: err}
}

// StopTestError is the error a stage returns to end the test loop early without failing.
type StopTestError struct {
	Reason string
}

func (e StopTestError) Error() string { return "test stopped: " + e.Reason }

// Stop returns a StopTestError.
func Stop(reason string) error {
	return StopTestError{Reason: reason}
}

var errorTraceInMessageRegex = regexp.MustCompile(`^(?s:\s*Error Trace:.*\sError:\s*)`)

// transformError attaches a stacktrace to an error using our own stacktrace logic, and also
// strips out any stacktrace information that may have been added to the error message by the
// testify/assert or testify/require functions.
func transformError(err error, stacktrace []StacktraceInfo) error {
	message := err.Error()
	if strings.Contains(message, "Error Trace:") {
		message = strings.TrimSpace(errorTraceInMessageRegex.ReplaceAllLiteralString(message, ""))
	}
	if len(stacktrace) == 0 {
		return errors.New(message)
	}
	return ErrorWithStacktrace{Message: message, Stacktrace: stacktrace}
}

// describeError renders an error with its stacktrace, if it has one, for reports.
func describeError(err error) string {
	message := err.Error()
	var es ErrorWithStacktrace
	if errors.As(err, &es) {
		message += "\n  Stacktrace:"
		for _, s := range es.Stacktrace {
			message += "\n    " + s.String()
		}
	}
	return message
}

func currentPackageName() string {
	pc, _, _, ok := runtime.Caller(0)
	if !ok {
		return "?"
	}
	f := runtime.FuncForPC(pc)
	if f == nil {
		return "?"
	}
	packageName, _ := parsePackageAndFunctionName(f.Name())
	return packageName
}

func rootPackageName() string {
	p := currentPackageName()
	return strings.Join(strings.Split(p, "/")[0:3], "/")
}

func getStacktrace(includeQATestCode bool, helperFns []string) []StacktraceInfo {
	callers := []StacktraceInfo{}
	currentPackage := currentPackageName()
StackLoop:
	for i := 1; ; i++ { // start at 1 because 0 would just be getStacktrace itself
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		f := runtime.FuncForPC(pc)
		if f == nil {
			break
		}
		parts := strings.Split(file, "/")
		file = parts[len(parts)-1]

		fullFunctionName := f.Name()
		packageName, functionName := parsePackageAndFunctionName(f.Name())

		if packageName == currentPackage && functionName == "Run" {
			break // qatest.Run is always the root of the test run, no need to go further
		}
		if !includeQATestCode && packageName == currentPackage {
			continue StackLoop
		}
		for _, helperFn := range helperFns {
			if helperFn == fullFunctionName {
				continue StackLoop // exclude this function from the stacktrace
			}
		}

		callers = append(callers, StacktraceInfo{FileName: file, Package: packageName, Function: functionName, Line: line})
	}
	return callers
}

func parsePackageAndFunctionName(fullName string) (string, string) {
	lastSlash := strings.LastIndex(fullName, "/")
	firstDotAfterSlash := strings.Index(fullName[lastSlash+1:], ".")
	packageName := fullName[0 : lastSlash+firstDotAfterSlash+1]
	functionName := fullName[len(packageName)+1:]
	return packageName, functionName
}
