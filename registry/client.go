/*
Package registry integrates the external fiscal registry (the Mainô ERP
API) as a second invoice source next to direct uploads.

ENDPOINTS:
  POST /api/v2/authentication           email/password login, bearer token
  GET  /api/v2/notas_fiscais_emitidas   paged list of issued invoices
  GET  /api/v2/nfes_emitidas            NF-e XML by access key
  GET  /api/v2/empresas                 connectivity check

AUTH:
  An API key, when configured, is sent as X-Api-Key and login is never
  attempted. Otherwise a bearer token is obtained from /authentication
  and reused for an hour; a 401 drops it and logs in again once.

SEE ALSO:
  - sync.go: Syncer, which feeds fetched documents to the engine
  - scheduler.go: periodic runs
*/
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://api.maino.com.br"
	perPage        = 100
	tokenTTL       = time.Hour
	dateLayout     = "02/01/2006"
)

var (
	ErrNotConfigured  = errors.New("registry credentials not configured")
	ErrAuthentication = errors.New("registry authentication failed")
)

// APIError is a non-2xx answer from the registry.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry api error %d: %s", e.Status, e.Body)
}

type Credentials struct {
	APIKey         string
	ApplicationUID string
	Email          string
	Password       string
}

func (c Credentials) usable() bool {
	return c.APIKey != "" || (c.ApplicationUID != "" && c.Email != "" && c.Password != "")
}

type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	now     func() time.Time

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewClient returns ErrNotConfigured when neither an API key nor a full
// login is given. A nil httpClient gets a 30 second timeout.
func NewClient(baseURL string, creds Credentials, httpClient *http.Client) (*Client, error) {
	if !creds.usable() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    httpClient,
		now:     time.Now,
	}, nil
}

// =============================================================================
// RESPONSES
// =============================================================================

// IssuedInvoice is one row of the issued-invoice listing. Only the access
// key is needed; the XML carries everything else.
type IssuedInvoice struct {
	DocumentKey string `json:"chave_acesso"`
	Number      any    `json:"numero,omitempty"`
}

type IssuedPage struct {
	Invoices   []IssuedInvoice `json:"data"`
	Pagination struct {
		TotalPages int `json:"total_pages"`
	} `json:"pagination"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ListIssued returns one page (1-based) of invoices issued between from
// and to. Zero dates are left out of the query.
func (c *Client) ListIssued(ctx context.Context, from, to time.Time, page int) (IssuedPage, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	if !from.IsZero() {
		params.Set("data_inicio", from.Format(dateLayout))
	}
	if !to.IsZero() {
		params.Set("data_fim", to.Format(dateLayout))
	}

	body, err := c.get(ctx, "/api/v2/notas_fiscais_emitidas", params)
	if err != nil {
		return IssuedPage{}, err
	}
	var parsed IssuedPage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return IssuedPage{}, fmt.Errorf("decode issued invoices: %w", err)
	}
	return parsed, nil
}

// FetchXML returns the NF-e XML of an access key. The registry answers
// either {"xml": "..."} or a bare JSON string.
func (c *Client) FetchXML(ctx context.Context, documentKey string) ([]byte, error) {
	body, err := c.get(ctx, "/api/v2/nfes_emitidas", url.Values{"chave_acesso": {documentKey}})
	if err != nil {
		return nil, err
	}

	var asString string
	if err := json.Unmarshal(body, &asString); err == nil {
		return []byte(asString), nil
	}
	var asObject struct {
		XML string `json:"xml"`
	}
	if err := json.Unmarshal(body, &asObject); err == nil && asObject.XML != "" {
		return []byte(asObject.XML), nil
	}
	return nil, fmt.Errorf("unrecognized xml response for %s", documentKey)
}

// Ping checks connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	if c.creds.APIKey == "" {
		_, err := c.bearer(ctx, true)
		return err
	}
	_, err := c.get(ctx, "/api/v2/empresas", nil)
	return err
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	body, err := c.do(ctx, path, params, false)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized && c.creds.APIKey == "" {
		body, err = c.do(ctx, path, params, true)
	}
	return body, err
}

func (c *Client) do(ctx context.Context, path string, params url.Values, relogin bool) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if c.creds.APIKey != "" {
		req.Header.Set("X-Api-Key", c.creds.APIKey)
	} else {
		token, err := c.bearer(ctx, relogin)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// bearer returns a cached token, logging in when it is missing, expired
// or force is set.
func (c *Client) bearer(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.token != "" && c.now().Before(c.tokenExpires) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"application_uid": c.creds.ApplicationUID,
		"email":           c.creds.Email,
		"password":        c.creds.Password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/authentication", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.send(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	// The answer is keyed by company CNPJ.
	var companies map[string]json.RawMessage
	if err := json.Unmarshal(body, &companies); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	cnpjs := make([]string, 0, len(companies))
	for cnpj := range companies {
		cnpjs = append(cnpjs, cnpj)
	}
	sort.Strings(cnpjs)
	for _, cnpj := range cnpjs {
		var user struct {
			AccessToken string `json:"access_token"`
		}
		if json.Unmarshal(companies[cnpj], &user) == nil && user.AccessToken != "" {
			c.token = user.AccessToken
			c.tokenExpires = c.now().Add(tokenTTL)
			return c.token, nil
		}
	}
	return "", fmt.Errorf("%w: no access token in response", ErrAuthentication)
}
