// Package ledger is the HTTP client for the external ledger provider that
// holds balances and the authoritative KYC status.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/models"
)

const maxErrorPayload = 64 << 10

// errMissingKYCStatus marks a successful KYC sync whose answer carries no status.
var errMissingKYCStatus = errors.New("ledger answered without a kyc status")

type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// KYCStatus is the status the provider stored after a sync.
type KYCStatus struct {
	Status string `json:"status"`
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type balanceData struct {
	Account  string `json:"account"`
	Currency struct {
		Code string `json:"code"`
	} `json:"currency"`
	Balance          float64 `json:"balance"`
	AvailableBalance float64 `json:"available_balance"`
}

type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		timeout: cfg.Timeout,
		http:    hc,
	}
}

// GetBalance reads the balance of an account. currency may be empty, in which
// case the provider answers with the account's primary currency.
func (c *Client) GetBalance(ctx context.Context, accountReference, currency string) (*models.Balance, error) {
	path := "/admin/accounts/" + url.PathEscape(accountReference) + "/balance/"
	if currency != "" {
		path += "?currency=" + url.QueryEscape(currency)
	}

	var data balanceData
	if _, _, err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &models.Balance{
		AccountReference: accountReference,
		Currency:         data.Currency.Code,
		Balance:          data.Balance,
		Available:        data.AvailableBalance,
	}, nil
}

// SyncKYCStatus pushes status to the provider and returns the status it stored.
// An answer without a status is an *apperr.UpstreamError; the requested status
// is never reported as stored.
func (c *Client) SyncKYCStatus(ctx context.Context, userID, status string) (*KYCStatus, error) {
	body, err := json.Marshal(KYCStatus{Status: status})
	if err != nil {
		return nil, fmt.Errorf("failed to encode kyc status: %w", err)
	}

	var out KYCStatus
	code, payload, err := c.do(ctx, http.MethodPatch, "/admin/users/"+url.PathEscape(userID)+"/kyc/", body, &out)
	if err != nil {
		return nil, err
	}
	if out.Status == "" {
		return nil, &apperr.UpstreamError{StatusCode: code, Payload: payload, Err: errMissingKYCStatus}
	}
	return &out, nil
}

// ComputeStatus is the method form of ComputeStatus, so the client satisfies
// a single provider interface.
func (c *Client) ComputeStatus(raw string) string {
	return ComputeStatus(raw)
}

// do performs one request bounded by the client timeout. Non-2xx answers
// become *apperr.UpstreamError carrying the provider body; a deadline becomes
// apperr.ErrUpstreamTimeout. On success it returns the status code and body.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) (int, []byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, &apperr.UpstreamError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("%w: %s %s", apperr.ErrUpstreamTimeout, method, path)
		}
		return 0, nil, &apperr.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorPayload))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("%w: %s %s", apperr.ErrUpstreamTimeout, method, path)
		}
		return 0, nil, &apperr.UpstreamError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, nil, &apperr.UpstreamError{StatusCode: resp.StatusCode, Payload: payload}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return 0, nil, &apperr.UpstreamError{StatusCode: resp.StatusCode, Payload: payload, Err: err}
	}
	if env.Status != "" && env.Status != "success" {
		return 0, nil, &apperr.UpstreamError{StatusCode: resp.StatusCode, Payload: payload}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return 0, nil, &apperr.UpstreamError{StatusCode: resp.StatusCode, Payload: payload, Err: err}
		}
	}
	return resp.StatusCode, payload, nil
}
