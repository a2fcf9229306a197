package ha

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// StateWriter creates or updates entity states in Home Assistant
type StateWriter interface {
	PostState(entityID, state string, attributes map[string]interface{}) error
}

// RESTClient writes states through the Home Assistant REST API
// (POST /api/states/<entity_id>).
type RESTClient struct {
	baseURL string
	token   string
	client  *fasthttp.Client
	logger  *zap.Logger
}

// NewRESTClient creates a REST client. baseURL may be the http(s) origin of
// Home Assistant or the WebSocket URL, which is converted.
func NewRESTClient(baseURL, token string, logger *zap.Logger) (*RESTClient, error) {
	origin, err := RESTBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &RESTClient{
		baseURL: origin,
		token:   token,
		client: &fasthttp.Client{
			Name:         "plantcare",
			ReadTimeout:  requestTimeout,
			WriteTimeout: requestTimeout,
		},
		logger: logger.Named("ha-rest"),
	}, nil
}

// RESTBaseURL derives the REST origin from a Home Assistant URL such as
// ws://host:8123/api/websocket.
func RESTBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid Home Assistant URL %q: %w", raw, err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid Home Assistant URL %q: unsupported scheme", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid Home Assistant URL %q: missing host", raw)
	}

	path := strings.TrimSuffix(u.Path, "/")
	path = strings.TrimSuffix(path, "/api/websocket")
	return u.Scheme + "://" + u.Host + path, nil
}

type statePayload struct {
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func (c *RESTClient) PostState(entityID, state string, attributes map[string]interface{}) error {
	body, err := json.Marshal(statePayload{State: state, Attributes: attributes})
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", entityID, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/api/states/" + entityID)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.SetBody(body)

	start := time.Now()
	if err := c.client.DoTimeout(req, resp, requestTimeout); err != nil {
		return fmt.Errorf("failed to post state for %s: %w", entityID, err)
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusOK && status != fasthttp.StatusCreated {
		return fmt.Errorf("failed to post state for %s: HTTP %d: %s", entityID, status, strings.TrimSpace(string(resp.Body())))
	}

	c.logger.Debug("Posted state",
		zap.String("entity_id", entityID),
		zap.String("state", state),
		zap.Duration("took", time.Since(start)))
	return nil
}
