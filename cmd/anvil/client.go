package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/michaelbrown/anvil/internal/config"
)

// apiBase resolves the daemon's base URL from --addr or the config port.
func apiBase() (string, error) {
	if addrFlag != "" {
		return addrFlag, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port), nil
}

// apiDo performs one management API request and decodes the JSON reply
// into out (when out is non-nil).
func apiDo(method, path string, body any, out any) error {
	base, err := apiBase()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reaching daemon at %s (is 'anvil serve' running?): %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// exportYAML streams the daemon's YAML server export to w.
func exportYAML(base string, w io.Writer) error {
	resp, err := http.Get(base + "/api/servers/export")
	if err != nil {
		return fmt.Errorf("reaching daemon at %s (is 'anvil serve' running?): %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
