package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client is an HTTP client for the admingate API.
type Client struct {
	addr  string
	token string
	http  *http.Client
}

// newClient creates a Client from the current config.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("ADMINGATE_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("ADMINGATE_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("ADMINGATE_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	return &Client{addr: strings.TrimRight(addr, "/"), token: token, http: httpClient}
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.http.Do(req)
}

// get and post decode the response's "data" member into dst.
func (c *Client) get(path string, dst any) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return parseResponse(resp, dst)
}

func (c *Client) post(path string, body, dst any) error {
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return parseResponse(resp, dst)
}

type apiResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []string        `json:"errors"`
	Reason string          `json:"reason"`
}

func parseResponse(resp *http.Response, dst any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var result apiResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if len(result.Errors) > 0 {
			msg = result.Errors[0]
		}
		if result.Reason != "" {
			msg += " (" + result.Reason + ")"
		}
		return fmt.Errorf("%s", msg)
	}
	if dst == nil || len(result.Data) == 0 {
		return nil
	}
	return json.Unmarshal(result.Data, dst)
}
