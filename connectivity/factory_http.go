package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/a11yscan/horosafe"
	"github.com/hazyhaar/a11yscan/kit"
)

// maxHTTPResponseBody caps the response read from remote endpoints. A
// rendered report for a large page stays well below it.
const maxHTTPResponseBody int64 = 16 << 20

// HTTPFactory creates Handlers that POST the payload to a remote HTTP
// endpoint, typically another a11yscan instance's /rpc/{service} route.
// The caller's trace id is forwarded in X-Trace-ID.
//
// The endpoint must be http(s); private addresses are refused unless the
// route sets allow_private.
//
//	router.RegisterTransport("http", connectivity.HTTPFactory())
func HTTPFactory() TransportFactory {
	return func(rt Route) (Handler, func(), error) {
		policy := horosafe.URLPolicy{AllowPrivate: rt.AllowPrivate}
		if err := policy.Validate(rt.Endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}

		timeout := 2 * time.Minute
		if rt.TimeoutMs > 0 {
			timeout = time.Duration(rt.TimeoutMs) * time.Millisecond
		}
		contentType := "application/json"
		if rt.ContentType != "" {
			contentType = rt.ContentType
		}
		client := &http.Client{Timeout: timeout}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.Endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", contentType)
			if id := kit.GetTraceID(ctx); id != "" {
				req.Header.Set("X-Trace-ID", id)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := horosafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, &ErrRemote{Service: rt.Service, Status: resp.StatusCode, Message: remoteMessage(body)}
			}
			return body, nil
		}

		return handler, client.CloseIdleConnections, nil
	}
}

// remoteMessage extracts {"error": "..."} from a failure body, falling
// back to the raw text.
func remoteMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return string(body)
}
