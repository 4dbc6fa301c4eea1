package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
)

// backendClient talks to the central system's terminal API. It implements
// both ServerStore and PaymentGateway; every call carries a bounded timeout
// so one unreachable dependency cannot stall a sync pass.
type backendClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

// NewBackendClient builds the production collaborator from env:
// POS_BACKEND_BASE_URL, POS_BACKEND_API_KEY, POS_BACKEND_API_KEY_HEADER.
func NewBackendClient() (*backendClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("POS_BACKEND_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("POS_BACKEND_BASE_URL is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("POS_BACKEND_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	apiKey := strings.TrimSpace(os.Getenv("POS_BACKEND_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("POS_BACKEND_API_KEY is empty")
	}
	return &backendClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type createIfAbsentResponse struct {
	Created  bool   `json:"created"`
	ServerId string `json:"server_id"`
}

func (c *backendClient) CreateIfAbsent(ctx context.Context, kind models.TransactionKind, offlineId string, payload []byte) (bool, string, error) {
	body := map[string]any{
		"kind":       kind,
		"offline_id": offlineId,
		"payload":    json.RawMessage(payload),
	}
	var resp createIfAbsentResponse
	if err := c.post(ctx, "/v1/terminal/transactions", body, &resp); err != nil {
		return false, "", err
	}
	return resp.Created, resp.ServerId, nil
}

func (c *backendClient) Overwrite(ctx context.Context, kind models.TransactionKind, offlineId string, payload []byte) (string, error) {
	body := map[string]any{
		"kind":       kind,
		"offline_id": offlineId,
		"payload":    json.RawMessage(payload),
		"overwrite":  true,
	}
	var resp createIfAbsentResponse
	if err := c.post(ctx, "/v1/terminal/transactions", body, &resp); err != nil {
		return "", err
	}
	return resp.ServerId, nil
}

type gatewayResponse struct {
	Status   string `json:"status"`
	AuthCode string `json:"auth_code"`
	Reason   string `json:"reason"`
}

func (c *backendClient) Authorize(ctx context.Context, card CardDetails, amount decimal.Decimal) (GatewayResult, error) {
	body := map[string]any{
		"card":   card,
		"amount": amount,
	}
	var resp gatewayResponse
	if err := c.post(ctx, "/v1/terminal/payments/authorize", body, &resp); err != nil {
		return GatewayResult{}, err
	}
	switch resp.Status {
	case "approved":
		return GatewayResult{Approved: true, AuthCode: resp.AuthCode}, nil
	case "declined":
		return GatewayResult{Approved: false, DeclineReason: resp.Reason}, nil
	default:
		return GatewayResult{}, fmt.Errorf("gateway returned unknown status %q", resp.Status)
	}
}

func (c *backendClient) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

// HTTPProbe returns a connectivity probe that GETs a URL and treats any 2xx
// or 3xx as reachable.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 400 {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// ProbesFromEnv wires the six dependency probes from POS_PROBE_* URLs. A
// missing URL leaves that probe nil, which reads as unreachable.
func ProbesFromEnv() Probes {
	client := &http.Client{}
	probe := func(env string) Probe {
		url := strings.TrimSpace(os.Getenv(env))
		if url == "" {
			return nil
		}
		return HTTPProbe(client, url)
	}
	return Probes{
		Internet:       probe("POS_PROBE_INTERNET_URL"),
		PaymentGateway: probe("POS_PROBE_GATEWAY_URL"),
		PrimaryStore:   probe("POS_PROBE_PRIMARY_URL"),
		ReadReplica:    probe("POS_PROBE_REPLICA_URL"),
		FiscalService:  probe("POS_PROBE_FISCAL_URL"),
		AuxiliaryCloud: probe("POS_PROBE_AUXCLOUD_URL"),
	}
}
