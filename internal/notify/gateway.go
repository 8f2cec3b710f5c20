package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/rideboard/internal/models"
)

// GatewayClient posts notification payloads to the push-delivery
// collaborator, which owns the web-push crypto and the provider endpoints.
type GatewayClient struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewGatewayClient(endpoint, key string) *GatewayClient {
	return &GatewayClient{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (g *GatewayClient) Send(ctx context.Context, sub models.PushSubscription, n models.Notification) error {
	body := map[string]any{
		"subscription": map[string]any{
			"endpoint": sub.Endpoint,
			"keys":     map[string]string{"p256dh": sub.P256dh, "auth": sub.Auth},
		},
		"title": n.Title,
		"body":  n.Body,
		"data":  n.Meta,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Key != "" {
		req.Header.Set("Authorization", "Bearer "+g.Key)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway responded %d", resp.StatusCode)
	}
	return nil
}
