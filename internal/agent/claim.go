package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClaimResponse is the relay's answer to a successful claim.
type ClaimResponse struct {
	AccessToken string `json:"accessToken"`
	ClientID    string `json:"clientId"`
	ExpiresIn   int    `json:"expiresIn"`
}

// ClaimError is returned when the relay rejects a claim.
type ClaimError struct {
	Status int
	Code   string
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim rejected: HTTP %d %s", e.Status, e.Code)
}

// Claim exchanges a room secret for an access token.
func Claim(ctx context.Context, client *http.Client, server, roomID, secret, clientID string) (*ClaimResponse, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	body, err := json.Marshal(map[string]any{
		"clientId":   clientID,
		"clientInfo": map[string]string{"agentVersion": Version},
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(server, "/") + "/api/v1/rooms/" + url.PathEscape(roomID) + "/claim"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Room-Secret", secret)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, &ClaimError{Status: resp.StatusCode, Code: e.Error}
	}

	var out ClaimResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	return &out, nil
}
