package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetTransaction_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/testnet/transaction/at1abc" {
			t.Fatalf("path = %s, want /testnet/transaction/at1abc", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"at1abc","type":"execute"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx, err := client.GetTransaction(ctx, "at1abc")
	if err != nil {
		t.Fatalf("GetTransaction error: %v", err)
	}
	if tx.ID != "at1abc" || tx.Type != "execute" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

func TestGetTransaction_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.GetTransaction(ctx, "at1missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetTransaction_Unavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.GetTransaction(ctx, "at1abc")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestGetLatestHeight(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/testnet/latest/height" {
			t.Fatalf("path = %s, want /testnet/latest/height", r.URL.Path)
		}
		_, _ = w.Write([]byte("123456"))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	height, err := client.GetLatestHeight(ctx)
	if err != nil {
		t.Fatalf("GetLatestHeight error: %v", err)
	}
	if height != 123456 {
		t.Fatalf("height = %d, want 123456", height)
	}
}

func TestGetMappingValue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/testnet/program/zk_commerce.aleo/mapping/merchant_totals/key1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`"5000000u64"`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	value, err := client.GetMappingValue(ctx, "zk_commerce.aleo", "merchant_totals", "key1")
	if err != nil {
		t.Fatalf("GetMappingValue error: %v", err)
	}
	if value != "5000000u64" {
		t.Fatalf("value = %q, want 5000000u64", value)
	}
}

func TestGetMappingValue_Null(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`null`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.GetMappingValue(ctx, "zk_commerce.aleo", "merchant_totals", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
