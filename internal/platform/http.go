package platform

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// leveledZerolog adapts zerolog to retryablehttp's leveled logger
type leveledZerolog struct {
	inner zerolog.Logger
}

func fields(e *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			e = e.Interface(k, keysAndValues[i+1])
		}
	}
	return e
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l leveledZerolog) Error(msg string, keysAndValues ...interface{}) {
	fields(l.inner.Warn(), keysAndValues).Msg(msg)
}

func (l leveledZerolog) Warn(msg string, keysAndValues ...interface{}) {
	fields(l.inner.Warn(), keysAndValues).Msg(msg)
}

func (l leveledZerolog) Info(msg string, keysAndValues ...interface{}) {
	fields(l.inner.Info(), keysAndValues).Msg(msg)
}

func (l leveledZerolog) Debug(msg string, keysAndValues ...interface{}) {
	fields(l.inner.Debug(), keysAndValues).Msg(msg)
}

// checkRetry is the default retry policy, except that a POST which reached
// the server and failed with a 5xx is not repeated: the write may have been
// applied and a retry would publish twice.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.Request != nil &&
		resp.Request.Method == http.MethodPost && resp.StatusCode >= 500 {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewHTTPClient returns a client with retries on connection errors, 429 and
// 5xx responses (reads only), logging intermediate failures at WARN.
func NewHTTPClient(timeout time.Duration, logger zerolog.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.CheckRetry = checkRetry
	retryClient.Logger = retryablehttp.LeveledLogger(leveledZerolog{logger})
	client := retryClient.StandardClient()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.Timeout = timeout
	return client
}
