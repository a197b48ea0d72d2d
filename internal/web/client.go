package web

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// NewClient builds the standard inter-service resty client: 5s timeout,
// bounded retry on transport errors / 429 / 5xx, and automatic propagation
// of the correlation headers from the request context.
func NewClient(baseURL string) *resty.Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		ctx := r.Context()
		if id := RequestIDFrom(ctx); id != "" {
			r.SetHeader(HeaderRequestID, id)
		}
		if id := TraceIDFrom(ctx); id != "" {
			r.SetHeader(HeaderTraceID, id)
		}
		return nil
	})

	return client
}
