package emergency

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testNotifier() *WebhookNotifier {
	n := NewWebhookNotifier(slog.Default())
	n.baseDelay = time.Millisecond
	// Test servers listen on loopback.
	n.validate = func(string) error { return nil }
	return n
}

func TestNotify_SignsPayload(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-DefiGuard-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier()
	contact := Contact{Name: "oncall", Endpoint: srv.URL, Secret: "s3cret"}
	alert := &Alert{ID: "alert_1", Level: LevelCritical, Title: "test"}

	if err := n.Notify(context.Background(), contact, alert); err != nil {
		t.Fatalf("notify: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	if gotSig != hex.EncodeToString(mac.Sum(nil)) {
		t.Fatal("signature does not match payload")
	}
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier()
	err := n.Notify(context.Background(), Contact{Endpoint: srv.URL}, &Alert{ID: "alert_1"})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestNotify_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := testNotifier()
	err := n.Notify(context.Background(), Contact{Endpoint: srv.URL}, &Alert{ID: "alert_1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestNotify_RejectsLoopbackEndpoint(t *testing.T) {
	n := NewWebhookNotifier(slog.Default())
	err := n.Notify(context.Background(), Contact{Endpoint: "http://127.0.0.1/hook"}, &Alert{ID: "alert_1"})
	if err == nil {
		t.Fatal("expected loopback endpoint rejection")
	}
}
