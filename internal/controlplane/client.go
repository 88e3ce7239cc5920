package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/openmined/regionsync/internal/region"
	"github.com/openmined/regionsync/internal/regionsync"
	"github.com/openmined/regionsync/internal/version"
)

// Client talks to a running daemon.
type Client struct {
	baseURL string
	token   string
	http    *req.Client
}

func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := req.C().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetUserAgent(version.UserAgent()).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal).
		SetCommonErrorResult(&ControlPlaneError{})
	if token != "" {
		c.SetCommonBearerAuthToken(token)
	}
	return &Client{baseURL: baseURL, token: token, http: c}
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	res, err := c.http.R().SetContext(ctx).SetSuccessResult(&resp).Get("/v1/status")
	if err := apiError(res, err, "status"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Region(ctx context.Context, key region.Key) (*RegionResponse, error) {
	var resp RegionResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"world":     key.World,
			"dimension": key.Dimension,
			"x":         strconv.Itoa(key.X),
			"z":         strconv.Itoa(key.Z),
		}).
		SetSuccessResult(&resp).
		Get("/v1/regions/{world}/{dimension}/{x}/{z}")
	if err := apiError(res, err, "region"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Completed(ctx context.Context, ev region.Completed) (*CompletedResponse, error) {
	var resp CompletedResponse
	res, err := c.http.R().SetContext(ctx).SetBody(ev).SetSuccessResult(&resp).Post("/v1/regions/completed")
	if err := apiError(res, err, "completed"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Failed(ctx context.Context) (*FailedResponse, error) {
	var resp FailedResponse
	res, err := c.http.R().SetContext(ctx).SetSuccessResult(&resp).Get("/v1/failed")
	if err := apiError(res, err, "failed"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Retry(ctx context.Context) (int, error) {
	return c.count(ctx, "/v1/retry", "retry")
}

func (c *Client) Clear(ctx context.Context) (int, error) {
	return c.count(ctx, "/v1/clear", "clear")
}

func (c *Client) count(ctx context.Context, path, op string) (int, error) {
	var resp CountResponse
	res, err := c.http.R().SetContext(ctx).SetSuccessResult(&resp).Post(path)
	if err := apiError(res, err, op); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Watch subscribes to the summary stream and calls fn for every update
// until ctx ends or the daemon closes the stream.
func (c *Client) Watch(ctx context.Context, interval time.Duration, fn func(regionsync.Summary)) error {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if interval > 0 {
		u.RawQuery = url.Values{"interval": {interval.String()}}.Encode()
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("events: connect %s: %w", u.Redacted(), err)
	}
	defer conn.CloseNow()

	for {
		var s regionsync.Summary
		if err := wsjson.Read(ctx, conn, &s); err != nil {
			if ctx.Err() != nil || isExpectedClose(err) {
				return nil
			}
			return fmt.Errorf("events: %w", err)
		}
		fn(s)
	}
}

func apiError(res *req.Response, requestErr error, op string) error {
	if requestErr != nil {
		return fmt.Errorf("control plane %s: %w", op, requestErr)
	}
	if res.IsErrorState() {
		if cpErr, ok := res.ErrorResult().(*ControlPlaneError); ok && cpErr.ErrorCode != "" {
			return fmt.Errorf("control plane %s: %w", op, cpErr)
		}
		return fmt.Errorf("control plane %s: unexpected status %s", op, res.Status)
	}
	return nil
}
