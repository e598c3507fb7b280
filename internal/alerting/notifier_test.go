package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body failed: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Vault:         "0xabc",
		AssetSold:     "0x1",
		AssetBought:   "0x2",
		AmountSold:    2000,
		AmountBought:  4000,
		VolatilityBps: 4000,
		DriftBps:      1000,
		At:            time.Now(),
		Channels:      []string{"telegram"},
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "[Rebalance Executed]") {
		t.Fatalf("text should carry the executed header, got %q", received["text"])
	}
	if !strings.Contains(received["text"], "Sold: 2000") {
		t.Fatalf("text should carry the sold amount, got %q", received["text"])
	}
}

func TestTelegramNotifierFailureMessage(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body failed: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Vault:         "0xabc",
		AssetSold:     "0x1",
		AssetBought:   "0x2",
		At:            time.Now(),
		Failed:        true,
		FailureReason: "venue rejected the swap",
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}
	if !strings.Contains(received["text"], "[Rebalance Failed]") {
		t.Fatalf("text should carry the failed header, got %q", received["text"])
	}
	if !strings.Contains(received["text"], "venue rejected the swap") {
		t.Fatalf("text should carry the failure reason, got %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{At: time.Now()}); err == nil {
		t.Fatal("ok=false should surface an error")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
