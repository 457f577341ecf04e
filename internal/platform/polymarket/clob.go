// Package polymarket implements the exchange boundary: REST and WebSocket
// clients for the Polymarket CLOB and Gamma APIs, and the normalization of
// their response shapes into canonical domain types.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avetorres/polytrader/internal/crypto"
	"github.com/avetorres/polytrader/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It implements domain.ExchangeClient.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// signer is the EIP-712 signer for order signatures and auth messages.
// hmac is the HMAC authenticator for API requests; pass nil and call
// DeriveAPIKey to obtain one at startup.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
	}
}

// SignOrder builds and signs an order without submitting it. The returned
// SignedOrder carries the complete JSON body, so submission later is a
// single POST with no further signing work.
func (c *ClobClient) SignOrder(req domain.OrderRequest) (domain.SignedOrder, error) {
	payload, err := c.signer.BuildOrder(req)
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}

	body, err := json.Marshal(orderBody(payload, sig))
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("polymarket/clob: marshal order body: %w", err)
	}

	return domain.SignedOrder{
		Request:   req,
		Payload:   body,
		Salt:      payload.Salt,
		Signature: sig,
	}, nil
}

// PostSignedOrder submits a previously signed order and returns its ID.
func (c *ClobClient) PostSignedOrder(ctx context.Context, signed domain.SignedOrder) (string, error) {
	respBody, err := c.doAuthenticatedRaw(ctx, http.MethodPost, "/order", signed.Payload)
	if err != nil {
		return "", fmt.Errorf("polymarket/clob: post signed order: %w", err)
	}
	return decodeOrderResult(respBody)
}

// PostOrder signs and submits an order in one step.
func (c *ClobClient) PostOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	signed, err := c.SignOrder(req)
	if err != nil {
		return "", err
	}
	return c.PostSignedOrder(ctx, signed)
}

// GetOrder retrieves the canonical status/fill snapshot for an order.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (domain.OrderSnapshot, error) {
	path := "/data/order/" + url.PathEscape(orderID)

	respBody, err := c.doAuthenticated(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.OrderSnapshot{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.OrderSnapshot{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}

	return apiOrder.ToSnapshot(), nil
}

// GetOrderBook fetches bid/ask levels for a token. A 404 surfaces as
// domain.ErrNoOrderbook so callers can treat a book-less token as zero
// liquidity rather than a transport failure.
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error) {
	path := "/book?token_id=" + url.QueryEscape(tokenID)

	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.OrderbookSnapshot{}, fmt.Errorf("%w: token %s", domain.ErrNoOrderbook, tokenID)
		}
		return domain.OrderbookSnapshot{}, fmt.Errorf("polymarket/clob: get book for %s: %w", tokenID, err)
	}

	var book APIBook
	if err := json.Unmarshal(respBody, &book); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	if book.AssetID == "" {
		book.AssetID = tokenID
	}

	return book.ToSnapshot(), nil
}

// CancelOrder cancels a single resting order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"orderID": orderID}

	respBody, err := c.doAuthenticated(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}

	return nil
}

// GetBalance fetches the available USDC collateral balance in dollars.
func (c *ClobClient) GetBalance(ctx context.Context) (float64, error) {
	respBody, err := c.doAuthenticated(ctx, http.MethodGet, "/balance-allowance?asset_type=COLLATERAL", nil)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: get balance: %w", err)
	}

	var resp struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode balance: %w", err)
	}

	raw, err := strconv.ParseFloat(resp.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: parse balance %q: %w", resp.Balance, err)
	}
	return raw / 1e6, nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. On success it populates the client's HMAC
// credentials for all subsequent authenticated calls.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// orderBody builds the POST /order request body for a signed payload.
func orderBody(p crypto.OrderPayload, signature string) map[string]any {
	side := "BUY"
	if p.Side == 1 {
		side = "SELL"
	}
	return map[string]any{
		"order": map[string]any{
			"salt":          p.Salt,
			"maker":         p.Maker,
			"signer":        p.Signer,
			"taker":         p.Taker,
			"tokenID":       p.TokenID,
			"makerAmount":   p.MakerAmount,
			"takerAmount":   p.TakerAmount,
			"expiration":    p.Expiration,
			"nonce":         p.Nonce,
			"feeRateBps":    p.FeeRateBps,
			"side":          side,
			"signatureType": p.SignatureType,
			"signature":     signature,
		},
		"owner":     p.Maker,
		"orderType": "GTC",
	}
}

// decodeOrderResult extracts the order ID from a POST /order response.
func decodeOrderResult(respBody []byte) (string, error) {
	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("polymarket/clob: order rejected: %s", result.ErrorMsg)
	}
	return result.OrderID, nil
}

// doAuthenticated marshals body to JSON and sends an HMAC-signed request.
func (c *ClobClient) doAuthenticated(ctx context.Context, method, path string, body any) ([]byte, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	return c.doAuthenticatedRaw(ctx, method, path, raw)
}

// doAuthenticatedRaw sends a pre-marshalled body with HMAC headers.
func (c *ClobClient) doAuthenticatedRaw(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var headers map[string]string
	if c.hmacAuth != nil {
		headers = c.hmacAuth.L2Headers(c.signer.Address().Hex(), method, path, string(body))
	}
	return c.doRequest(ctx, method, path, body, headers)
}

// doRequest builds, sends, and reads one HTTP request against the CLOB API.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
