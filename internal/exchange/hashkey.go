// hashkey.go generates body-integrity hashkeys for order POST requests.
//
// KIS requires a "hashkey" header on order-related POSTs. The hash is
// obtained by sending the exact request body to POST /uapi/hashkey; the
// broker returns the digest to include in the real request.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const hashkeyEndpoint = "/uapi/hashkey"

// HashkeyClient fetches request-body hashkeys from the KIS API.
type HashkeyClient struct {
	appKey    string
	appSecret string
	http      *resty.Client
}

// NewHashkeyClient creates a hashkey client against the given base URL.
func NewHashkeyClient(appKey, appSecret, baseURL string) *HashkeyClient {
	return &HashkeyClient{
		appKey:    appKey,
		appSecret: appSecret,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
	}
}

// Hashkey returns the digest for the given order request body.
func (h *HashkeyClient) Hashkey(ctx context.Context, body map[string]string) (string, error) {
	var result struct {
		Hash string `json:"HASH"`
	}

	resp, err := h.http.R().
		SetContext(ctx).
		SetHeader("appkey", h.appKey).
		SetHeader("appsecret", h.appSecret).
		SetBody(body).
		SetResult(&result).
		Post(hashkeyEndpoint)
	if err != nil {
		return "", fmt.Errorf("hashkey: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("hashkey: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Hash == "" {
		return "", fmt.Errorf("hashkey: empty HASH in response")
	}
	return result.Hash, nil
}
