package flagsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fixora/flagsync/domain/entity"
	apperror "github.com/fixora/flagsync/pkg/error"
)

const (
	sseEventConnected   = "connected"
	sseEventFlagChanged = "flag.changed"
	sseEventResync      = "resync"

	maxSSELine = 1 << 20
)

// HTTPTransport talks to the service's REST endpoints and its
// Server-Sent Events stream.
type HTTPTransport struct {
	baseURL     string
	accessToken string
	client      *http.Client
	stream      *http.Client
}

// NewHTTPTransport builds a transport for baseURL. client serves the REST
// calls; the stream uses a copy without an overall timeout.
func NewHTTPTransport(baseURL, accessToken string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	stream := *client
	stream.Timeout = 0

	return &HTTPTransport{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		client:      client,
		stream:      &stream,
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (t *HTTPTransport) orgURL(organizationID string, parts ...string) string {
	u := t.baseURL + "/v1/orgs/" + url.PathEscape(organizationID)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (t *HTTPTransport) do(ctx context.Context, method, target string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperror.FromResponse(resp.StatusCode, raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (t *HTTPTransport) List(ctx context.Context, organizationID string) ([]entity.FeatureFlag, error) {
	var data struct {
		Flags []entity.FeatureFlag `json:"flags"`
	}
	if err := t.do(ctx, http.MethodGet, t.orgURL(organizationID, "flags"), nil, &data); err != nil {
		return nil, err
	}
	return data.Flags, nil
}

func (t *HTTPTransport) Toggle(ctx context.Context, intent entity.ToggleIntent) (*entity.ChangeEvent, error) {
	body := struct {
		ExpectedVersion *int64 `json:"expected_version,omitempty"`
		IsEnabled       *bool  `json:"is_enabled,omitempty"`
	}{intent.ExpectedVersion, intent.RequestedValue}

	var ev entity.ChangeEvent
	if err := t.do(ctx, http.MethodPost, t.orgURL(intent.OrganizationID, "flags", intent.Key, "toggle"), body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

type sseFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Time int64           `json:"time"`
}

func (t *HTTPTransport) Subscribe(ctx context.Context, organizationID string, h StreamHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.orgURL(organizationID, "flags", "stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.accessToken)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxSSELine))
		return apperror.FromResponse(resp.StatusCode, raw)
	}

	return readEvents(ctx, resp.Body, h)
}

// readEvents parses an SSE body until it ends or a handler aborts it.
// Comment lines (heartbeats) are skipped.
func readEvents(ctx context.Context, body io.Reader, h StreamHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELine)

	var eventType string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := dispatch(ctx, eventType, data.String(), h); err != nil {
					return err
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	return ErrStreamClosed
}

func dispatch(ctx context.Context, eventType, payload string, h StreamHandler) error {
	var frame sseFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return fmt.Errorf("malformed event %q: %w", eventType, err)
	}
	if eventType == "" {
		eventType = frame.Type
	}

	switch eventType {
	case sseEventConnected:
		if h.OnConnected != nil {
			return h.OnConnected(ctx)
		}
	case sseEventFlagChanged:
		var ev entity.ChangeEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return fmt.Errorf("malformed change event: %w", err)
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	case sseEventResync:
		return ErrResyncRequested
	}
	return nil
}
