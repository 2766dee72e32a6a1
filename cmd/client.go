package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/config"
)

// controlClient is a thin HTTP client over the running engine's control
// API, used by the CLI's operator subcommands.
type controlClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newControlClient() (*controlClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &controlClient{
		baseURL: fmt.Sprintf("http://%s:%d", cfg.Control.Host, cfg.Control.Port),
		token:   cfg.Control.Token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *controlClient) do(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control API request failed (is telefwd serve running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control API returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
