package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
)

var (
	// ErrNotFound means the central API answered and does not know the sale.
	ErrNotFound = errors.New("remote: not found")
	// ErrFullyReturned is the central API rejecting a replay because every
	// line of the sale has already been returned. Terminal, never retried.
	ErrFullyReturned = errors.New("remote: sale fully returned")
	// ErrUnavailable covers timeouts, connection failures and any other
	// non-2xx answer. Callers treat it as a transient outage.
	ErrUnavailable = errors.New("remote: central api unavailable")
)

// Client is the slice of the central chain API the edge agent consumes.
type Client interface {
	LookupSale(ctx context.Context, storeID, reference string) (*domain.Sale, error)
	RecentSales(ctx context.Context, storeID string, since time.Time) ([]domain.Sale, error)
	SubmitReturn(ctx context.Context, sub domain.ReturnSubmission) (*domain.ReturnReceipt, error)
	SubmitSwap(ctx context.Context, sub domain.SwapSubmission) (*domain.SwapReceipt, error)
	Catalog(ctx context.Context, storeID string) ([]domain.Product, error)
	SearchProducts(ctx context.Context, storeID, query string, limit int) ([]domain.Product, error)
	ProductByBarcode(ctx context.Context, storeID, code string) (*domain.Product, error)
}

// HTTPClient talks to the central API over HTTPS with a bearer token.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) LookupSale(ctx context.Context, storeID, reference string) (*domain.Sale, error) {
	endpoint := fmt.Sprintf("/api/v1/sales/%s?storeId=%s",
		url.PathEscape(reference), url.QueryEscape(storeID))

	var sale domain.Sale
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (c *HTTPClient) RecentSales(ctx context.Context, storeID string, since time.Time) ([]domain.Sale, error) {
	endpoint := fmt.Sprintf("/api/v1/sales/recent?storeId=%s&since=%s",
		url.QueryEscape(storeID), url.QueryEscape(since.UTC().Format(time.RFC3339)))

	var out struct {
		Sales []domain.Sale `json:"sales"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Sales, nil
}

func (c *HTTPClient) SubmitReturn(ctx context.Context, sub domain.ReturnSubmission) (*domain.ReturnReceipt, error) {
	var receipt domain.ReturnReceipt
	if err := c.do(ctx, http.MethodPost, "/api/v1/returns", sub, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *HTTPClient) SubmitSwap(ctx context.Context, sub domain.SwapSubmission) (*domain.SwapReceipt, error) {
	var receipt domain.SwapReceipt
	if err := c.do(ctx, http.MethodPost, "/api/v1/swaps", sub, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *HTTPClient) Catalog(ctx context.Context, storeID string) ([]domain.Product, error) {
	endpoint := "/api/v1/products/catalog?storeId=" + url.QueryEscape(storeID)

	var out struct {
		Products []domain.Product `json:"products"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

func (c *HTTPClient) SearchProducts(ctx context.Context, storeID, query string, limit int) ([]domain.Product, error) {
	endpoint := fmt.Sprintf("/api/v1/products/search?storeId=%s&query=%s&limit=%d",
		url.QueryEscape(storeID), url.QueryEscape(query), limit)

	var out struct {
		Products []domain.Product `json:"products"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

func (c *HTTPClient) ProductByBarcode(ctx context.Context, storeID, code string) (*domain.Product, error) {
	endpoint := fmt.Sprintf("/api/v1/products/barcode/%s?storeId=%s",
		url.PathEscape(code), url.QueryEscape(storeID))

	var product domain.Product
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrFullyReturned
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
