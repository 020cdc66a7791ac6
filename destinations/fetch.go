package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/deepnoodle-ai/hogpipe/retry"
	"github.com/deepnoodle-ai/hogpipe/slogger"
	"github.com/spf13/cast"
)

// FetchOptions configures a FetchExecutor.
type FetchOptions struct {
	Client     *http.Client
	Logger     slogger.Logger
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration

	// MaxResponseBytes caps how much of a response body is read back into
	// the interpreter.
	MaxResponseBytes int64
}

// FetchExecutor performs outbound HTTP calls for Hog programs. Transient
// failures (429/503/504 and transport errors) are retried with bounded
// backoff; exhaustion surfaces as an error the executor attaches to the
// invocation result.
type FetchExecutor struct {
	client   *http.Client
	logger   slogger.Logger
	retries  int
	baseWait time.Duration
	maxWait  time.Duration
	maxBody  int64
}

// NewFetchExecutor creates a FetchExecutor.
func NewFetchExecutor(opts FetchOptions) *FetchExecutor {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = retry.DefaultMaxRetries
	}
	if opts.BaseWait <= 0 {
		opts.BaseWait = 200 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 1 << 20
	}
	return &FetchExecutor{
		client:   opts.Client,
		logger:   opts.Logger,
		retries:  opts.MaxRetries,
		baseWait: opts.BaseWait,
		maxWait:  opts.MaxWait,
		maxBody:  opts.MaxResponseBytes,
	}
}

// Execute performs the HTTP request described by the program's fetch call:
// fetch(url) or fetch(url, {method, headers, body}).
func (e *FetchExecutor) Execute(ctx context.Context, req *hogpipe.DestinationRequest) (*hogpipe.DestinationResponse, error) {
	if len(req.Args) == 0 {
		return nil, fmt.Errorf("fetch requires a url argument")
	}
	url := cast.ToString(req.Args[0])
	if url == "" {
		return nil, fmt.Errorf("fetch url must be a non-empty string")
	}

	method := http.MethodGet
	headers := map[string]string{}
	var body []byte
	if len(req.Args) > 1 {
		options := cast.ToStringMap(req.Args[1])
		if m := cast.ToString(options["method"]); m != "" {
			method = m
		}
		for key, value := range cast.ToStringMapString(options["headers"]) {
			headers[key] = value
		}
		if raw, ok := options["body"]; ok && raw != nil {
			switch v := raw.(type) {
			case string:
				body = []byte(v)
			default:
				encoded, err := json.Marshal(v)
				if err != nil {
					return nil, fmt.Errorf("fetch body is not serializable: %w", err)
				}
				body = encoded
				if _, present := headers["Content-Type"]; !present {
					headers["Content-Type"] = "application/json"
				}
			}
		}
	}

	var response *hogpipe.DestinationResponse
	err := retry.Do(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("invalid fetch request: %w", err)
		}
		for key, value := range headers {
			httpReq.Header.Set(key, value)
		}
		httpResp, err := e.client.Do(httpReq)
		if err != nil {
			return retry.NewRecoverableError(err)
		}
		defer httpResp.Body.Close()

		responseBody, err := io.ReadAll(io.LimitReader(httpResp.Body, e.maxBody))
		if err != nil {
			return retry.NewRecoverableError(fmt.Errorf("failed to read response: %w", err))
		}
		if retry.ShouldRetryStatus(httpResp.StatusCode) {
			return retry.NewRecoverableError(fmt.Errorf("fetch returned status %d", httpResp.StatusCode))
		}

		responseHeaders := map[string]string{}
		for key := range httpResp.Header {
			responseHeaders[key] = httpResp.Header.Get(key)
		}
		response = &hogpipe.DestinationResponse{
			Status:  httpResp.StatusCode,
			Body:    decodeBody(responseBody, httpResp.Header.Get("Content-Type")),
			Headers: responseHeaders,
		}
		return nil
	}, retry.WithMaxRetries(e.retries), retry.WithBaseWait(e.baseWait), retry.WithMaxWait(e.maxWait))
	if err != nil {
		return nil, err
	}
	return response, nil
}

func decodeBody(body []byte, contentType string) interface{} {
	if len(body) == 0 {
		return nil
	}
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}
