package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// HTTPClassifier talks to a batch NSFW detection service over HTTP.
// The service accepts a multipart upload of image files on POST
// /classify and returns one {filename, label, score} prediction per
// uploaded file.
type HTTPClassifier struct {
	client   *http.Client
	endpoint string
	token    string
	limiter  *rate.Limiter
}

type HTTPOptions struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	// RequestsPerSecond throttles calls to the service. Zero means a
	// default of 2 rps.
	RequestsPerSecond float64
}

func NewHTTPClassifier(opts HTTPOptions) *HTTPClassifier {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClassifier{
		client:   robustHTTPClient(timeout),
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		token:    opts.Token,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type prediction struct {
	Filename string  `json:"filename"`
	Label    string  `json:"label"`
	Score    float64 `json:"score"`
}

type classifyResp struct {
	Predictions []prediction `json:"predictions"`
}

// ClassifyFiles uploads the files as one batch and re-keys the
// service's per-filename predictions back to the input paths. Every
// input must come back with a prediction; a missing one is an error,
// not a silent drop.
func (hc *HTTPClassifier) ClassifyFiles(ctx context.Context, paths []string) (map[string]Result, error) {
	if len(paths) == 0 {
		return map[string]Result{}, nil
	}

	if err := hc.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "ratelimit", Err: err}
	}

	body, contentType, byName, err := buildUpload(paths)
	if err != nil {
		return nil, &Error{Op: "upload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", hc.endpoint+"/classify", body)
	if err != nil {
		return nil, &Error{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if hc.token != "" {
		req.Header.Set("Authorization", "Bearer "+hc.token)
	}

	start := time.Now()
	res, err := hc.client.Do(req)
	classifierAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &Error{Op: "invoke", Err: err}
	}
	defer res.Body.Close()

	classifierAPICount.WithLabelValues(fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != http.StatusOK {
		return nil, &Error{Op: "invoke", Err: fmt.Errorf("statusCode=%d", res.StatusCode)}
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &Error{Op: "read response", Err: err}
	}

	var respObj classifyResp
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, &Error{Op: "parse response", Err: err}
	}

	results := make(map[string]Result, len(paths))
	for _, pred := range respObj.Predictions {
		path, ok := byName[pred.Filename]
		if !ok {
			// prediction for a file we never sent
			continue
		}
		label, err := parseLabel(pred.Label)
		if err != nil {
			return nil, &Error{Op: "parse response", Err: err}
		}
		results[path] = Result{Label: label, Score: pred.Score}
	}

	for _, path := range paths {
		if _, ok := results[path]; !ok {
			return nil, &Error{Op: "invoke", Err: fmt.Errorf("no prediction returned for %s", filepath.Base(path))}
		}
	}
	return results, nil
}

func parseLabel(raw string) (Label, error) {
	switch strings.ToUpper(raw) {
	case string(LabelNSFW):
		return LabelNSFW, nil
	case string(LabelSFW), "SAFE":
		return LabelSFW, nil
	}
	return "", fmt.Errorf("unexpected label %q", raw)
}

// buildUpload writes each file into a multipart body under its base
// name and returns the name→path mapping used to re-key predictions.
func buildUpload(paths []string) (*bytes.Buffer, string, map[string]string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	byName := make(map[string]string, len(paths))

	for _, path := range paths {
		name := filepath.Base(path)
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			return nil, "", nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, "", nil, err
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return nil, "", nil, err
		}
		byName[name] = path
	}

	if err := writer.Close(); err != nil {
		return nil, "", nil, err
	}
	return body, writer.FormDataContentType(), byName, nil
}

// robustHTTPClient mirrors the retry posture of a typical inter-service
// client: retries on connection errors, 5xx and 429, logging retries at
// warn level.
func robustHTTPClient(timeout time.Duration) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{slog.Default()})
	client := retryClient.StandardClient()
	client.Timeout = timeout
	return client
}

// leveledSlog adapts slog to retryablehttp's LeveledLogger. Client
// ERROR is demoted to WARN because failures are retried.
type leveledSlog struct {
	inner *slog.Logger
}

func (l leveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l leveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}
