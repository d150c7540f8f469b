package creem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/creditledger/internal/httpclient"
)

// Client инкапсулирует HTTP-взаимодействие с API провайдера.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент API провайдера.
func NewClient(baseURL, apiKey string, httpClient *retryablehttp.Client) *Client {
	return &Client{
		baseURL:    httpclient.NormalizeBaseURL(baseURL),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// CheckoutRequest описывает параметры создания checkout-сессии.
type CheckoutRequest struct {
	ProductID  string            `json:"product_id"`
	RequestID  string            `json:"request_id,omitempty"`
	SuccessURL string            `json:"success_url,omitempty"`
	Customer   *CheckoutCustomer `json:"customer,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CheckoutCustomer предзаполняет данные покупателя.
type CheckoutCustomer struct {
	Email string `json:"email"`
}

// Checkout — созданная checkout-сессия.
type Checkout struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
	Status      string `json:"status"`
}

// CreateCheckout создаёт checkout-сессию и возвращает ссылку на оплату.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if c == nil || c.baseURL == "" || c.apiKey == "" {
		return nil, fmt.Errorf("creem client not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var result Checkout
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.CheckoutURL == "" {
		return nil, fmt.Errorf("decode response: empty checkout_url")
	}

	return &result, nil
}
