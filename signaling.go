package realtime

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// SignalingClient exchanges an SDP offer for an answer with the remote
// realtime service over HTTPS.
type SignalingClient struct {
	logger shared.LoggerAdapter
}

func NewSignalingClient(logger shared.LoggerAdapter) (*SignalingClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &SignalingClient{logger: logger}, nil
}

// Exchange POSTs the offer SDP to apiUrl with the model id as a query
// parameter and returns the answer SDP verbatim. A non-2xx status yields a
// *shared.SignalingError carrying the response body text. Context
// cancellation abandons the wait; the late result is discarded.
func (s *SignalingClient) Exchange(ctx context.Context, offerSDP, model, apiUrl, bearerToken string) (string, error) {
	target, err := url.Parse(apiUrl)
	if err != nil {
		return "", fmt.Errorf("parsing signaling URL: %w", err)
	}
	query := target.Query()
	query.Set("model", model)
	target.RawQuery = query.Encode()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Content-Type", "application/sdp")
	req.SetBodyString(offerSDP)

	s.logger.Debug("posting SDP offer", zap.String("url", target.String()))

	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return "", &shared.SignalingError{
			StatusCode: status,
			Body:       string(resp.Body()),
		}
	}
	return string(resp.Body()), nil
}
