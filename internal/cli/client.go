package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/keypool/internal/core/config"
	"github.com/vietddude/keypool/internal/health"
)

// baseURL resolves the admin address from --addr or the config file.
func baseURL() (string, error) {
	if addr != "" {
		return strings.TrimRight(addr, "/"), nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port), nil
}

// fetchReport calls a report-returning endpoint of a running keypool.
func fetchReport(ctx context.Context, method, url string) (*health.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(body)))
	}

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}
