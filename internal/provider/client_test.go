package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
)

func TestHTTPClient_Call(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req callRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != "spot_price" || len(req.Params) != 2 {
			t.Errorf("unexpected request body: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"42.5"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(5 * time.Second)
	p := aggregate.Provider{ID: "alpha", Endpoint: srv.URL}

	value, err := client.Call(context.Background(), p, "spot_price", []string{"ETH", "USDC"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if value != "42.5" {
		t.Fatalf("expected 42.5, got %q", value)
	}
}

func TestHTTPClient_ResultPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"quote":{"amount":"1999.01"}}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(5 * time.Second)
	p := aggregate.Provider{ID: "beta", Endpoint: srv.URL, ResultPath: "data.quote.amount"}

	value, err := client.Call(context.Background(), p, "spot_price", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if value != "1999.01" {
		t.Fatalf("expected 1999.01, got %q", value)
	}
}

func TestHTTPClient_MissingResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"no such pair"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(5 * time.Second)
	p := aggregate.Provider{ID: "gamma", Endpoint: srv.URL}

	_, err := client.Call(context.Background(), p, "spot_price", nil)
	if err == nil {
		t.Fatal("expected error for missing result field")
	}
	if !strings.Contains(err.Error(), "no value") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPClient_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(5 * time.Second)
	p := aggregate.Provider{ID: "delta", Endpoint: srv.URL}

	_, err := client.Call(context.Background(), p, "spot_price", nil)
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestHTTPClient_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewHTTPClient(time.Minute)
	p := aggregate.Provider{ID: "epsilon", Endpoint: srv.URL}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Call(ctx, p, "spot_price", nil)
	if err == nil {
		t.Fatal("expected error after context deadline")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call ignored context deadline, took %v", elapsed)
	}
}
