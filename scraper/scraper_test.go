package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-flyers/config"
	"github.com/aluiziolira/go-scrape-flyers/models"
	"github.com/google/go-cmp/cmp"
	"github.com/jarcoal/httpmock"
)

const testEndpoint = "http://api.test/flipp/items/search"

var testToday = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Endpoint = testEndpoint
	cfg.PostalCode = "V5A1S6"
	cfg.MerchantQuery = "Walmart"
	cfg.StoreLabel = "Walmart"
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newTestFetcher(t *testing.T, cfg *config.Config, transport *httpmock.MockTransport) *Fetcher {
	t.Helper()
	f, err := NewFetcher(cfg)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	f.collector.WithTransport(transport)
	f.now = func() time.Time { return testToday }
	return f
}

func registerPage(transport *httpmock.MockTransport, cfg *config.Config, page int, responder httpmock.Responder) {
	transport.RegisterResponderWithQuery(http.MethodGet, cfg.Endpoint, map[string]string{
		"locale":      cfg.Locale,
		"postal_code": cfg.PostalCode,
		"q":           cfg.MerchantQuery,
		"page":        strconv.Itoa(page),
	}, responder)
}

func jsonResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "application/json; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func row(item, price, image string) models.OutputRow {
	return models.OutputRow{Item: item, Price: price, Store: "Walmart", Date: "2024-06-15", SourceImage: image}
}

func TestFetchPaginationStopsOnEmptyPage(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDays = config.NoWindow

	transport := httpmock.NewMockTransport()
	registerPage(transport, cfg, 1, jsonResponder(`{"items": [
		{"name": "Milk 2L", "current_price": "4.99", "image_url": "https://img.test/1.jpg"},
		{"name": "Eggs", "price": ""}
	], "next_page": 2}`))
	registerPage(transport, cfg, 2, jsonResponder(`{"items": [
		{"title": "Bread", "price_text": "2/$5", "clipping_image_url": "https://img.test/2.jpg"}
	], "next_page": true}`))
	registerPage(transport, cfg, 3, jsonResponder(`{"items": [], "next_page": true}`))
	registerPage(transport, cfg, 4, jsonResponder(`{"items": [{"name": "Never", "price": "1"}]}`))

	f := newTestFetcher(t, cfg, transport)
	result, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := []models.OutputRow{
		row("Milk 2L", "4.99", "https://img.test/1.jpg"),
		row("Bread", "2/$5", "https://img.test/2.jpg"),
	}
	if diff := cmp.Diff(want, result.Rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("requests = %d, want 3 (page 4 must not be requested)", got)
	}
	if result.DiscardedCount != 1 {
		t.Fatalf("discarded = %d, want 1", result.DiscardedCount)
	}
	if result.RequestCount != 3 {
		t.Fatalf("request count = %d, want 3", result.RequestCount)
	}
}

func TestFetchStopsWithoutNextPage(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDays = config.NoWindow

	transport := httpmock.NewMockTransport()
	registerPage(transport, cfg, 1, jsonResponder(`{"items": [{"title": "Milk 2L", "current_price": "4.99"}]}`))

	f := newTestFetcher(t, cfg, transport)
	rows, err := f.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff([]models.OutputRow{row("Milk 2L", "4.99", "")}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
}

func TestFetchDateWindow(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDays = 30

	transport := httpmock.NewMockTransport()
	registerPage(transport, cfg, 1, jsonResponder(`{"items": [
		{"name": "In window", "current_price": "1.00", "valid_from": "2024-05-20T00:00:00-04:00", "valid_to": "2024-06-10T23:59:59-04:00"},
		{"name": "Before window", "current_price": "2.00", "valid_from": "2024-04-01", "valid_to": "2024-04-30"},
		{"name": "Undated", "current_price": "3.00"},
		{"name": "Bad dates", "current_price": "4.00", "valid_from": "soon", "valid_to": "later"},
		{"name": "Open start", "current_price": "5.00", "valid_to": "2024-05-16"}
	], "next_page": false}`))

	f := newTestFetcher(t, cfg, transport)
	result, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := []models.OutputRow{
		row("In window", "1.00", ""),
		row("Open start", "5.00", ""),
	}
	if diff := cmp.Diff(want, result.Rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if result.FilteredCount != 3 {
		t.Fatalf("filtered = %d, want 3", result.FilteredCount)
	}
}

func TestFetchContinuesWhenPageFullyFiltered(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDays = 30

	transport := httpmock.NewMockTransport()
	registerPage(transport, cfg, 1, jsonResponder(`{"items": [
		{"name": "Old", "current_price": "1.00", "valid_from": "2023-01-01", "valid_to": "2023-01-31"}
	], "next_page": 2}`))
	registerPage(transport, cfg, 2, jsonResponder(`{"items": [
		{"name": "Current", "current_price": "2.00", "valid_from": "2024-06-01"}
	], "next_page": null}`))

	f := newTestFetcher(t, cfg, transport)
	rows, err := f.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff([]models.OutputRow{row("Current", "2.00", "")}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchFormatErrorPolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   config.FormatErrorPolicy
		page2    httpmock.Responder
		wantErr  bool
		wantRows int
	}{
		{name: "stop on html", policy: config.FormatErrorStop, page2: htmlResponder("<html></html>"), wantRows: 1},
		{name: "propagate html", policy: config.FormatErrorPropagate, page2: htmlResponder("<html></html>"), wantErr: true},
		{name: "stop on broken json", policy: config.FormatErrorStop, page2: jsonResponder(`{"items": [`), wantRows: 1},
		{name: "propagate broken json", policy: config.FormatErrorPropagate, page2: jsonResponder(`{"items": [`), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.WindowDays = config.NoWindow
			cfg.OnFormatError = tt.policy

			transport := httpmock.NewMockTransport()
			registerPage(transport, cfg, 1, jsonResponder(`{"items": [{"name": "Milk", "price": "1"}], "next_page": 2}`))
			registerPage(transport, cfg, 2, tt.page2)

			f := newTestFetcher(t, cfg, transport)
			result, err := f.Fetch(context.Background())
			if tt.wantErr {
				var formatErr *FormatError
				if !errors.As(err, &formatErr) {
					t.Fatalf("expected FormatError, got %v", err)
				}
				if formatErr.Page != 2 {
					t.Fatalf("format error page = %d, want 2", formatErr.Page)
				}
				return
			}
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if !result.StoppedOnFormatError {
				t.Fatalf("expected StoppedOnFormatError")
			}
			if len(result.Rows) != tt.wantRows {
				t.Fatalf("rows = %d, want %d", len(result.Rows), tt.wantRows)
			}
		})
	}
}

func TestFetchTransportErrorDiscardsRows(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusInternalServerError, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()
			cfg.WindowDays = config.NoWindow

			transport := httpmock.NewMockTransport()
			registerPage(transport, cfg, 1, jsonResponder(`{"items": [{"name": "Milk", "price": "1"}], "next_page": 2}`))
			registerPage(transport, cfg, 2, httpmock.NewStringResponder(tt.status, ""))

			f := newTestFetcher(t, cfg, transport)
			rows, err := f.FetchAll(context.Background())
			if rows != nil {
				t.Fatalf("rows should be discarded on transport error, got %d", len(rows))
			}

			var transportErr *TransportError
			if !errors.As(err, &transportErr) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if transportErr.StatusCode != tt.status || transportErr.Page != 2 {
				t.Fatalf("transport error = %+v", transportErr)
			}
			if got := ErrorLabel(err); got != tt.expected {
				t.Fatalf("label = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFetchNetworkError(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	registerPage(transport, cfg, 1, httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}))

	f := newTestFetcher(t, cfg, transport)
	_, err := f.Fetch(context.Background())

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if got := ErrorLabel(err); got != "connection" {
		t.Fatalf("label = %q, want connection", got)
	}
}

func TestFetchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond

	transport := httpmock.NewMockTransport()
	registerPage(transport, cfg, 1, func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	f := newTestFetcher(t, cfg, transport)
	rows, err := f.FetchAll(context.Background())

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transportErr.Page != 1 {
		t.Fatalf("page = %d, want 1", transportErr.Page)
	}
	if got := ErrorLabel(err); got != "timeout" {
		t.Fatalf("label = %q, want timeout", got)
	}
	if rows != nil {
		t.Fatalf("rows = %v, want nil", rows)
	}
}

func TestFetchRequestPhaseMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDays = config.NoWindow

	transport := httpmock.NewMockTransport()
	registerPage(transport, cfg, 1, jsonResponder(`{"items": [{"name": "Milk", "price": "1"}], "next_page": true}`))
	registerPage(transport, cfg, 2, httpmock.NewErrorResponder(errors.New("connection reset")))

	f := newTestFetcher(t, cfg, transport)
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error on page 2")
	}

	want := map[string]float64{"started": 2, "completed": 1, "failed": 1}
	got := requestPhases(t, f.Metrics)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("request phases mismatch (-want +got):\n%s", diff)
	}
}

func requestPhases(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	phases := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != "flyers_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "phase" {
					phases[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	return phases
}

func TestFetchCancelledContext(t *testing.T) {
	cfg := testConfig()
	transport := httpmock.NewMockTransport()
	f := newTestFetcher(t, cfg, transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Fetch(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("requests = %d, want 0", got)
	}
}

func TestPageURL(t *testing.T) {
	cfg := testConfig()
	cfg.MerchantQuery = "Real Canadian Superstore"

	f, err := NewFetcher(cfg)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	want := testEndpoint + "?locale=en-ca&page=3&postal_code=V5A1S6&q=Real+Canadian+Superstore"
	if got := f.PageURL(3); got != want {
		t.Fatalf("PageURL(3) = %q, want %q", got, want)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: nil, statusCode: http.StatusBadGateway, expected: "other"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestIsJSON(t *testing.T) {
	tests := map[string]bool{
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"Application/JSON":                true,
		"application/problem+json":        true,
		"text/html":                       false,
		"":                                false,
	}
	for contentType, want := range tests {
		if got := isJSON(contentType); got != want {
			t.Errorf("isJSON(%q) = %v, want %v", contentType, got, want)
		}
	}
}
