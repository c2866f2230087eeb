package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jkaberg/bangle-hass/internal/netutil"
	"github.com/sirupsen/logrus"
)

// HTTPReader polls a local HTTP endpoint that returns the current sensor
// values as JSON, e.g.
//
//	{"pressure":1012.6,"temperature":23.1,"altitude":86.4,"heart_rate":72}
type HTTPReader struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPReader creates a reader for the given endpoint.
func NewHTTPReader(url string, logger *logrus.Logger) *HTTPReader {
	return &HTTPReader{
		url:        url,
		httpClient: netutil.NewHTTPClient(10*time.Second, logger),
		logger:     logger,
	}
}

// Read fetches and decodes one reading.
func (r *HTTPReader) Read(ctx context.Context) (*Reading, error) {
	body, err := r.makeRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("sensor request failed: %w", err)
	}

	var reading Reading
	if err := json.Unmarshal(body, &reading); err != nil {
		return nil, fmt.Errorf("failed to parse sensor response: %w", err)
	}

	fields := logrus.Fields{
		"pressure":    reading.Pressure,
		"temperature": reading.Temperature,
	}
	if reading.HeartRate != nil {
		fields["heart_rate"] = *reading.HeartRate
	}
	r.logger.WithFields(fields).Debug("Read sensors over HTTP")
	return &reading, nil
}

func (r *HTTPReader) makeRequest(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sensor endpoint returned status %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// IsHealthy checks if the endpoint is responding.
func (r *HTTPReader) IsHealthy(ctx context.Context) bool {
	_, err := r.Read(ctx)
	return err == nil
}
