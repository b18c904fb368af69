package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	// DefaultQuotesURL is the CoinMarketCap cryptocurrency API root.
	DefaultQuotesURL = "https://pro-api.coinmarketcap.com/v1/cryptocurrency"

	quotesTimeout = 30 * time.Second
	apiKeyHeader  = "X-CMC_PRO_API_KEY"
	maxErrorBody  = 512
)

var (
	// ErrUnexpectedQuoteShape is returned when the response body does not match the quotes layout.
	ErrUnexpectedQuoteShape = errors.New("unexpected quote response shape")
	// ErrQuoteNotFound is returned when the symbol or its USD price is missing from the response.
	ErrQuoteNotFound = errors.New("quote not found")
)

// QuotesClient fetches latest USD quotes from a CoinMarketCap-compatible API.
type QuotesClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// QuotesOption configures a QuotesClient.
type QuotesOption func(*QuotesClient)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) QuotesOption {
	return func(q *QuotesClient) {
		q.httpClient = c
	}
}

// NewQuotesClient creates a quotes client. An empty baseURL selects DefaultQuotesURL.
func NewQuotesClient(baseURL, apiKey string, opts ...QuotesOption) *QuotesClient {
	if baseURL == "" {
		baseURL = DefaultQuotesURL
	}

	c := &QuotesClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: quotesTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

type quotesResponse struct {
	Data map[string]json.RawMessage `json:"data"`
}

type quoteEntry struct {
	Quote map[string]struct {
		Price *decimal.Decimal `json:"price"`
	} `json:"quote"`
}

// Quote returns the latest USD price of symbol.
func (c *QuotesClient) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	endpoint, err := url.Parse(c.baseURL + "/quotes/latest")
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse quotes url")
	}
	q := endpoint.Query()
	q.Set("symbol", symbol)
	q.Set("convert", "USD")
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return decimal.Zero, errors.Errorf("quotes API returned status %d: %s", resp.StatusCode, string(body))
	}

	return decodeQuote(body, symbol)
}

func decodeQuote(body []byte, symbol string) (decimal.Decimal, error) {
	var parsed quotesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, errors.Wrap(ErrUnexpectedQuoteShape, err.Error())
	}
	if parsed.Data == nil {
		return decimal.Zero, errors.Wrap(ErrUnexpectedQuoteShape, "missing data")
	}

	raw, ok := parsed.Data[symbol]
	if !ok {
		return decimal.Zero, errors.Wrapf(ErrQuoteNotFound, "symbol %s", symbol)
	}

	var entry quoteEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return decimal.Zero, errors.Wrapf(ErrUnexpectedQuoteShape, "symbol %s: %v", symbol, err)
	}

	usd, ok := entry.Quote["USD"]
	if !ok || usd.Price == nil {
		return decimal.Zero, errors.Wrapf(ErrQuoteNotFound, "USD price for %s", symbol)
	}

	return *usd.Price, nil
}
