package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/pkg/kit"
)

// maxCaptured bounds the parameters and result stored per entry.
const maxCaptured = 4096

// Middleware wraps a scoring Endpoint: measures duration, captures the
// caller identity, params, result and error, and logs asynchronously.
func Middleware(logger Logger, actionName string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			start := time.Now()

			resp, err := next(ctx, request)

			entry := &Entry{
				Action:     actionName,
				Transport:  kit.GetTransport(ctx),
				UserID:     kit.GetUserID(ctx),
				AnonID:     GetAnonID(ctx),
				RequestID:  kit.GetRequestID(ctx),
				DurationMs: time.Since(start).Milliseconds(),
			}

			if params, e := json.Marshal(request); e == nil {
				entry.Parameters = clip(params)
			}
			if err != nil {
				entry.Error = err.Error()
				entry.Status = "error"
			} else {
				entry.Status = "success"
				if result, e := json.Marshal(resp); e == nil {
					entry.Result = clip(result)
				}
			}

			logger.LogAsync(entry)
			return resp, err
		}
	}
}

func clip(b []byte) string {
	if len(b) > maxCaptured {
		return string(b[:maxCaptured]) + "…"
	}
	return string(b)
}
