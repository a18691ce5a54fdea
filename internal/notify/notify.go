package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Notifier posts plain-text operator notifications to an ntfy-style
// endpoint.
type Notifier struct {
	Client   *http.Client
	Endpoint string
	// Title, when set, is sent as the ntfy Title header.
	Title string
}

// New returns a Notifier for endpoint.
func New(client *http.Client, endpoint string) *Notifier {
	return &Notifier{Client: client, Endpoint: endpoint, Title: "tabrelay"}
}

// Notify sends message to the configured endpoint.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	return send(ctx, n.Client, n.Endpoint, n.Title, message)
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	return send(ctx, client, endpoint, "", message)
}

func send(ctx context.Context, client *http.Client, endpoint, title, message string) error {
	if endpoint == "" {
		return errors.New("ntfy endpoint is empty")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
