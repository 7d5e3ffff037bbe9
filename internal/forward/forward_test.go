package forward

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPSink_Success(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkOptions{URL: srv.URL})
	outcome := sink.Post(context.Background(), []byte(`{"ticker":"AAPL"}`))

	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("Expected OutcomeSuccess, got %v (err %v)", outcome.Kind, outcome.Err)
	}
	if outcome.StatusCode != http.StatusOK {
		t.Errorf("StatusCode mismatch: got %d", outcome.StatusCode)
	}
	if gotBody != `{"ticker":"AAPL"}` {
		t.Errorf("Body mismatch: got %q", gotBody)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type mismatch: got %q", gotContentType)
	}
}

func TestHTTPSink_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkOptions{URL: srv.URL})
	outcome := sink.Post(context.Background(), []byte(`{}`))

	if outcome.Kind != OutcomeHTTPError {
		t.Fatalf("Expected OutcomeHTTPError, got %v", outcome.Kind)
	}
	if outcome.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode mismatch: got %d", outcome.StatusCode)
	}
	if outcome.Err == nil {
		t.Error("Expected error to be populated")
	}
}

func TestHTTPSink_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkOptions{URL: srv.URL, Timeout: 20 * time.Millisecond})
	outcome := sink.Post(context.Background(), []byte(`{}`))

	if outcome.Kind != OutcomeTimeout {
		t.Fatalf("Expected OutcomeTimeout, got %v (err %v)", outcome.Kind, outcome.Err)
	}
}

func TestHTTPSink_GenericError(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	sink := NewHTTPSink(HTTPSinkOptions{URL: url})
	outcome := sink.Post(context.Background(), []byte(`{}`))

	if outcome.Kind != OutcomeGenericError {
		t.Fatalf("Expected OutcomeGenericError, got %v", outcome.Kind)
	}
}
