package tpu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the MyTPU customer portal.
const DefaultBaseURL = "https://myaccount.mytpu.org"

const (
	accountEndpoint = "/rest/account/customer/"
	usageEndpoint   = "/rest/usage/month"

	defaultUsageWindow = 30 * 24 * time.Hour
)

// The portal sits behind the same origin the browser UI uses; keep polling
// well below interactive traffic rates.
const (
	requestsPerSecond = 2
	requestBurst      = 4
)

// TokenSource supplies bearer tokens and the resolved customer identity.
// Implemented by auth.Manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	CustomerID() string
}

// ClientError is a non-auth API failure: a usage or account endpoint
// returning non-200, or a call made without a resolved customer identity.
type ClientError struct {
	StatusCode int // 0 when no HTTP response was involved
	Endpoint   string
	Message    string
}

func (e *ClientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api request failed (%d) at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("api request failed at %s: %s", e.Endpoint, e.Message)
}

// AccountInfo is the parsed account discovery response.
type AccountInfo struct {
	AccountHolder string
	Services      []Service
}

// Client performs authenticated calls against the MyTPU API. The account
// context returned by discovery is retained and echoed into usage requests,
// as the portal requires.
type Client struct {
	baseURL string
	http    *http.Client
	auth    TokenSource
	limiter *rate.Limiter
	logger  *logrus.Logger

	mu             sync.Mutex
	accountContext json.RawMessage
	services       []Service
}

func NewClient(baseURL string, httpClient *http.Client, auth TokenSource, logger *logrus.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		auth:    auth,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		logger:  logger,
	}
}

type accountRequest struct {
	CustomerID     string          `json:"customerId"`
	AccountContext json.RawMessage `json:"accountContext"`
	CSRViewOnly    string          `json:"csrViewOnly"`
}

type accountResponse struct {
	AccountContext     json.RawMessage `json:"accountContext"`
	AccountSummaryType struct {
		Services []discoveryService `json:"services"`
	} `json:"accountSummaryType"`
}

// AccountInfo fetches account information and the list of active services.
// The customer id comes from the token; when none is resolved yet the
// client authenticates first, and fails with a ClientError if authentication
// does not yield one.
func (c *Client) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	customerID := c.auth.CustomerID()
	if customerID == "" {
		if _, err := c.auth.Token(ctx); err != nil {
			return nil, err
		}
		customerID = c.auth.CustomerID()
	}
	if customerID == "" {
		return nil, &ClientError{Endpoint: accountEndpoint, Message: "no customer id resolved, authenticate first"}
	}

	body, err := c.request(ctx, http.MethodPost, accountEndpoint, accountRequest{
		CustomerID:  customerID,
		CSRViewOnly: "N",
	})
	if err != nil {
		return nil, err
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ClientError{Endpoint: accountEndpoint, Message: fmt.Sprintf("malformed account response: %v", err)}
	}

	var services []Service
	for _, d := range resp.AccountSummaryType.Services {
		if d.ActiveServiceInd != "Y" {
			continue
		}
		services = append(services, serviceFromDiscovery(d))
	}

	var holder struct {
		AccountHolder string `json:"accountHolder"`
	}
	_ = json.Unmarshal(resp.AccountContext, &holder)

	c.mu.Lock()
	c.accountContext = resp.AccountContext
	c.services = services
	c.mu.Unlock()

	return &AccountInfo{AccountHolder: holder.AccountHolder, Services: services}, nil
}

// Services returns the meters discovered on the account, fetching account
// info when it has not been seen yet.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	c.mu.Lock()
	cached := c.services
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	info, err := c.AccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Services, nil
}

type usageRequest struct {
	CustomerID     string          `json:"customerId"`
	FromDate       string          `json:"fromDate"`
	ToDate         string          `json:"toDate"`
	MeterNumber    string          `json:"meterNumber"`
	ServiceNumber  string          `json:"serviceNumber"`
	ServiceID      string          `json:"serviceId"`
	ServiceType    string          `json:"serviceType"`
	AccountContext json.RawMessage `json:"accountContext"`
}

type usageResponse struct {
	History []usageEntry `json:"history"`
}

// Usage fetches daily readings for one meter. Nil dates default to a
// trailing 30-day window. Entries without a usage date and unfinalized
// monthly placeholders are dropped.
func (c *Client) Usage(ctx context.Context, svc Service, from, to *time.Time) ([]UsageReading, error) {
	c.mu.Lock()
	accountContext := c.accountContext
	c.mu.Unlock()
	if accountContext == nil {
		if _, err := c.AccountInfo(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		accountContext = c.accountContext
		c.mu.Unlock()
	}

	now := time.Now()
	fromDate := now.Add(-defaultUsageWindow)
	if from != nil {
		fromDate = *from
	}
	toDate := now
	if to != nil {
		toDate = *to
	}

	body, err := c.request(ctx, http.MethodPost, usageEndpoint, usageRequest{
		CustomerID:     c.auth.CustomerID(),
		FromDate:       fromDate.Format(apiTimeLayout),
		ToDate:         toDate.Format(apiTimeLayout),
		MeterNumber:    svc.MeterNumber,
		ServiceNumber:  svc.ServiceNumber,
		ServiceID:      svc.ServiceID,
		ServiceType:    string(svc.Type),
		AccountContext: accountContext,
	})
	if err != nil {
		return nil, err
	}

	var resp usageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ClientError{Endpoint: usageEndpoint, Message: fmt.Sprintf("malformed usage response: %v", err)}
	}

	var readings []UsageReading
	for _, entry := range resp.History {
		if entry.UsageDate == "" || entry.UsageCategory == categoryMonthlyPlaceholder {
			continue
		}
		reading, err := readingFromEntry(entry)
		if err != nil {
			c.logger.WithError(err).WithField("meter", svc.MeterNumber).Warn("skipping unparseable usage entry")
			continue
		}
		readings = append(readings, reading)
	}

	c.logger.WithFields(logrus.Fields{
		"meter":    svc.MeterNumber,
		"from":     fromDate.Format(usageDateLayout),
		"to":       toDate.Format(usageDateLayout),
		"readings": len(readings),
	}).Debug("fetched usage history")

	return readings, nil
}

// request performs one authenticated JSON call and returns the raw body.
func (c *Client) request(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{StatusCode: resp.StatusCode, Endpoint: endpoint, Message: string(body)}
	}
	return body, nil
}
