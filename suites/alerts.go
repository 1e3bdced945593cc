package suites

import (
	"net/http"
	"time"

	"github.com/nasqa/dut-harness/framework/harness"
	"github.com/nasqa/dut-harness/framework/qatest"
	"github.com/nasqa/dut-harness/settings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// testAlertCode is the code the firmware uses for an alert raised from the alert test API.
const testAlertCode = 1401

// Some firmware sends an alert once per configured channel, so the same alert can arrive twice.
const duplicateAlertWindow = 500 * time.Millisecond

func testAlertCase() qatest.Case {
	return qatest.Case{
		Name:  "test alert",
		Loops: 1,
		Declare: settings.Declaration{
			Defaults: map[string]ldvalue.Value{
				KeyAlertURLPath:  ldvalue.String("/api/2.1/rest/alert_notification_url"),
				KeyAlertTestPath: ldvalue.String("/api/2.1/rest/alert_test"),
				KeyAlertTimeout:  ldvalue.Int(30),
			},
		},
		Test: deliverTestAlert,
	}
}

// deliverTestAlert points the device's alert notifications at a harness endpoint and raises a
// test alert. The device must be able to reach the harness at its external hostname.
func deliverTestAlert(t *qatest.T) error {
	h := harness.FromContext(t.Context())
	if h == nil {
		return qatest.Skipf("harness listener is not running")
	}
	rest, err := t.Session().REST(t.Context())
	skipIfDisabled(t, "rest", err)
	timeout, err := t.Env().Duration(KeyAlertTimeout)
	if err != nil {
		return qatest.Abort(err)
	}

	endpoint := h.NewMockEndpoint(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
		t.DebugLogger(),
		harness.MockEndpointDescription("alert receiver"),
	)
	defer endpoint.Close()

	if _, err := rest.Put(t.Context(), t.Env().String(KeyAlertURLPath),
		map[string]string{"url": endpoint.BaseURL()}); err != nil {
		return err
	}
	start := time.Now()
	if _, err := rest.Post(t.Context(), t.Env().String(KeyAlertTestPath), nil); err != nil {
		return err
	}
	req, err := endpoint.AwaitConnection(timeout)
	if err != nil {
		return qatest.Failf("%s", err)
	}
	t.Record("alertDeliveryMs", time.Since(start).Milliseconds())

	if req.Method != http.MethodPost || req.URL.Path != "/alerts" {
		return qatest.Failf("device sent %s %s, expected POST /alerts", req.Method, req.URL.Path)
	}
	if code := req.JSON("code").Int(); code != testAlertCode {
		return qatest.Failf("alert code was %d, expected %d", code, testAlertCode)
	}
	t.Record("alertSeverity", req.JSON("severity").String())
	endpoint.RequireNoMoreConnections(t, duplicateAlertWindow)
	return nil
}
