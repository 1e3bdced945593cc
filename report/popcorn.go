package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/qatest"

	"github.com/hashicorp/go-retryablehttp"
)

// PopcornUploader posts the run document produced by EncodeRun to the Popcorn dashboard.
type PopcornUploader struct {
	url    string
	token  string
	client *retryablehttp.Client
}

// NewPopcornUploader creates an uploader for the given endpoint URL. If token is not empty it
// is sent as a bearer token. Connection errors and 5xx responses are retried.
func NewPopcornUploader(url, token string, retries int, logger framework.Logger) (*PopcornUploader, error) {
	if url == "" {
		return nil, errors.New("popcorn: URL is not set")
	}
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return &PopcornUploader{url: url, token: token, client: client}, nil
}

func (p *PopcornUploader) Name() string { return "popcorn" }

func (p *PopcornUploader) Upload(ctx context.Context, info RunInfo, results qatest.Results) error {
	data, err := EncodeRun(info, results)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.url, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("popcorn: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("popcorn: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
