/**
 * @description
 * This package provides a client for the external account-registry service.
 * The registry owns account identity (profiles, signup); the ledger-service
 * owns the authoritative balances. The orchestrator only asks the registry
 * whether an account id is known before touching any balance.
 */
package accountclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAccountNotRegistered is returned when the registry does not know the
// account id.
var ErrAccountNotRegistered = errors.New("account not registered")

// Client is a client for the account-registry service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new account-registry client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ResolvedAccount is the registry's view of an account: identity plus the
// balance version it last observed. The ledger's own version is
// authoritative; the registry copy is informational.
type ResolvedAccount struct {
	ID             uuid.UUID `json:"id"`
	BalanceVersion int64     `json:"current_balance_version"`
}

// ResolveAccount checks that the registry knows the account id.
func (c *Client) ResolveAccount(ctx context.Context, accountID uuid.UUID) (*ResolvedAccount, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("account registry base url is empty")
	}

	url := fmt.Sprintf("%s/internal/accounts/%s", c.baseURL, accountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach account registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrAccountNotRegistered
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("account registry returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var resolved ResolvedAccount
	if err := json.NewDecoder(resp.Body).Decode(&resolved); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}
	return &resolved, nil
}
