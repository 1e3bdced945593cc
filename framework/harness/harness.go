package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/nasqa/dut-harness/framework"

	"github.com/gorilla/mux"
)

var httpListenerTimeout = time.Second * 10

// Lines from net/http's own error log that only mean a dashboard went away mid-stream.
var quietServerErrors = []*regexp.Regexp{ //nolint:gochecknoglobals
	regexp.MustCompile(`broken pipe`),
	regexp.MustCompile(`connection reset by peer`),
}

// Harness is the HTTP listener that runs alongside a test run.
//
// It serves three things: a liveness check (HEAD /) and run status (GET /status) for whatever
// started the run, a server-sent event feed of test progress (GET /events) for dashboards, and
// any number of mock callback endpoints (/endpoints/{id}/...) that the device under test can be
// told to call, for instance as a log upload target or a notification webhook.
//
// It contains no device-specific logic.
type Harness struct {
	externalHost    string
	externalBaseURL string
	port            int
	mockEndpoints   *mockEndpointsManager
	feed            *LiveFeed
	router          *mux.Router
	server          *http.Server
	logger          framework.Logger
}

// New creates a Harness. externalHostname is the name or address under which the device can
// reach this machine; it is used to build the URLs returned by MockEndpoint.BaseURL. The
// listener is not started until Start is called.
func New(externalHostname string, port int, debugLogger framework.Logger) *Harness {
	if debugLogger == nil {
		debugLogger = framework.NullLogger()
	}
	baseURL := fmt.Sprintf("http://%s:%d", externalHostname, port)
	h := &Harness{
		externalHost:    externalHostname,
		externalBaseURL: baseURL,
		port:            port,
		mockEndpoints:   newMockEndpointsManager(baseURL, debugLogger),
		feed:            NewLiveFeed(debugLogger),
		logger:          debugLogger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // we use this to test whether our own listener is active yet
	}).Methods(http.MethodHead)
	router.HandleFunc("/status", h.feed.serveStatus).Methods(http.MethodGet)
	router.Handle("/events", h.feed.streamHandler()).Methods(http.MethodGet)
	router.PathPrefix(endpointPathPrefix).HandlerFunc(h.mockEndpoints.serveHTTP)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Printf("Received request for unrecognized URL path %s", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	h.router = router
	return h
}

// Handler returns the router, for serving the harness from an existing listener or a test server.
func (h *Harness) Handler() http.Handler {
	return h.router
}

// ExternalBaseURL returns the base URL the device should use to reach the harness.
func (h *Harness) ExternalBaseURL() string {
	return h.externalBaseURL
}

// Feed returns the live progress feed. It is a qatest.TestLogger, so it can be passed to the
// test run alongside the other loggers.
func (h *Harness) Feed() *LiveFeed {
	return h.feed
}

// Start begins listening on the configured port and returns once the listener answers its own
// liveness check. Errors from the listener after that point are written to errorOutput. If the
// port is 0, a free port is chosen and the external URLs are updated to use it.
func (h *Harness) Start(errorOutput io.Writer) error {
	if errorOutput == nil {
		errorOutput = io.Discard
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("harness could not listen on port %d: %w", h.port, err)
	}
	actualPort := listener.Addr().(*net.TCPAddr).Port
	if h.port == 0 {
		h.port = actualPort
		h.externalBaseURL = fmt.Sprintf("http://%s:%d", h.externalHost, actualPort)
		h.mockEndpoints.setExternalBaseURL(h.externalBaseURL)
	}
	server := &http.Server{
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second, // arbitrary but non-infinite timeout to avoid Slowloris Attack
		ErrorLog:          log.New(newFilteredWriter(errorOutput, quietServerErrors), "harness: ", 0),
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(errorOutput, "harness: listener stopped: %s\n", err)
		}
	}()
	if err := waitForListener(fmt.Sprintf("http://localhost:%d", actualPort)); err != nil {
		_ = server.Close()
		_ = listener.Close() // Serve may not have taken ownership of it yet
		return err
	}
	h.server = server
	return nil
}

// NewMockEndpoint adds a new endpoint that can receive requests.
//
// The specified handler will be called for all incoming requests to the endpoint's
// base URL or any subpath of it. For instance, if the generated base URL (as reported
// by MockEndpoint.BaseURL()) is http://192.168.1.10:8111/endpoints/3, then it can also
// receive requests to http://192.168.1.10:8111/endpoints/3/some/subpath.
//
// When the handler is called, the harness rewrites the request URL first so that
// the handler sees only the subpath. It also attaches a Context to the request whose
// Done channel will be closed if Close is called on the endpoint.
func (h *Harness) NewMockEndpoint(
	handler http.Handler,
	logger framework.Logger,
	options ...MockEndpointOption,
) *MockEndpoint {
	if logger == nil {
		logger = h.logger
	}
	return h.mockEndpoints.newMockEndpoint(handler, logger, options...)
}

// Close stops the listener and ends every open event stream.
func (h *Harness) Close() error {
	h.feed.Close()
	if h.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}

type contextKey struct{}

// NewContext returns a context carrying h, so that test cases can reach the harness through
// qatest.T.Context.
func NewContext(ctx context.Context, h *Harness) context.Context {
	return context.WithValue(ctx, contextKey{}, h)
}

// FromContext returns the harness stored by NewContext, or nil.
func FromContext(ctx context.Context) *Harness {
	h, _ := ctx.Value(contextKey{}).(*Harness)
	return h
}

// Wait till the server is definitely listening for requests before we run any tests.
func waitForListener(url string) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.NewTimer(httpListenerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Millisecond * 10)
	defer ticker.Stop()
	for {
		select {
		case <-deadline.C:
			return fmt.Errorf("could not detect own listener at %s", url)
		case <-ticker.C:
			req, _ := http.NewRequest(http.MethodHead, url, nil)
			resp, err := client.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}
