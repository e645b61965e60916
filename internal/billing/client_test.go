package billing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/core"
)

func withServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	prev := apiBaseURL
	apiBaseURL = srv.URL
	t.Cleanup(func() { apiBaseURL = prev })
	return &Client{APIKey: "ls-key", HTTP: srv.Client()}
}

func TestCreateUsageRecord(t *testing.T) {
	client := withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/usage-records" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer ls-key" {
			t.Fatalf("missing bearer auth")
		}
		if r.Header.Get("Content-Type") != contentType || r.Header.Get("Accept") != contentType {
			t.Fatalf("unexpected content negotiation: %v", r.Header)
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		data := body["data"].(map[string]any)
		attrs := data["attributes"].(map[string]any)
		rel := data["relationships"].(map[string]any)["subscription-item"].(map[string]any)["data"].(map[string]any)
		if data["type"] != "usage-records" || attrs["quantity"] != float64(1) || attrs["action"] != "increment" {
			t.Fatalf("unexpected body: %s", raw)
		}
		if rel["type"] != "subscription-items" || rel["id"] != "item-9" {
			t.Fatalf("unexpected relationship: %s", raw)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"type":"usage-records","id":"ur-1"}}`))
	})

	id, err := client.CreateUsageRecord(context.Background(), "item-9", 1)
	if err != nil {
		t.Fatalf("create usage record: %v", err)
	}
	if id != "ur-1" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestCreateUsageRecordNon2xx(t *testing.T) {
	client := withServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"detail":"nope"}]}`, http.StatusUnprocessableEntity)
	})
	if _, err := client.CreateUsageRecord(context.Background(), "item", 1); !errors.Is(err, core.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}

func TestCurrentUsage(t *testing.T) {
	client := withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscription-items/item-9/current-usage" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"jsonapi":{"version":"1.0"},"meta":{"period_start":"2024-05-01T00:00:00.000000Z","period_end":"2024-06-01T00:00:00.000000Z","quantity":7,"interval_unit":"month","interval_quantity":1}}`))
	})
	usage, err := client.CurrentUsage(context.Background(), "item-9")
	if err != nil {
		t.Fatalf("current usage: %v", err)
	}
	if usage.Quantity != 7 || usage.PeriodStart.Month() != 5 || usage.PeriodEnd.Month() != 6 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestCustomerPortal(t *testing.T) {
	client := withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/customers/cus-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"cus-1","attributes":{"urls":{"customer_portal":"https://portal.example.test/x"}}}}`))
	})
	cust, err := client.Customer(context.Background(), "cus-1")
	if err != nil {
		t.Fatalf("customer: %v", err)
	}
	if cust.PortalURL != "https://portal.example.test/x" {
		t.Fatalf("unexpected portal: %+v", cust)
	}
}

func TestDecodeFailureIsExternal(t *testing.T) {
	client := withServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})
	if _, err := client.Customer(context.Background(), "cus-1"); !errors.Is(err, core.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}
