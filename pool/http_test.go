package pool

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestHTTPClientReleasesAfterResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("Expected user agent, got %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	counter := NewSharedCounter(1)
	client := NewHTTPClient(counter, HTTPConfig{CheckoutTimeout: time.Second, RequestTimeout: time.Second, UserAgent: "test-agent"})
	defer client.Close()

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
		if resp.StatusCode != http.StatusAccepted || string(resp.Body) != "ok" {
			t.Errorf("Unexpected response %d %q", resp.StatusCode, resp.Body)
		}
	}

	u, _ := url.Parse(srv.URL)
	p := client.group.Get(u.Host)
	if p.Size() != 1 || p.CheckedOut() != 0 {
		t.Errorf("Expected one idle pooled client, got %d idle %d out", p.Size(), p.CheckedOut())
	}
}

func TestHTTPClientDiscardsOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	counter := NewSharedCounter(1)
	client := NewHTTPClient(counter, HTTPConfig{CheckoutTimeout: time.Second, RequestTimeout: time.Second})

	req, _ := http.NewRequest(http.MethodGet, addr, nil)
	if _, err := client.Do(req); err == nil {
		t.Fatal("Expected a transport error")
	}
	if counter.Count() != 0 {
		t.Errorf("Expected the broken connection to be discarded, counter %d", counter.Count())
	}
}

func TestHTTPClientCheckoutTimeout(t *testing.T) {
	counter := NewSharedCounter(1)
	client := NewHTTPClient(counter, HTTPConfig{CheckoutTimeout: 10 * time.Millisecond, RequestTimeout: time.Second})

	// hold the only slot
	held, err := client.group.Get("busy.example").Checkout(time.Second)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	defer client.group.Get("busy.example").Release(held)

	req, _ := http.NewRequest(http.MethodGet, "http://other.example/", nil)
	_, err = client.Do(req)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected pool timeout, got %v", err)
	}
}

func TestHTTPClientNewHostTakesIdleSlot(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	var hosts []string
	for i := 0; i < 3; i++ {
		srv := httptest.NewServer(handler)
		defer srv.Close()
		hosts = append(hosts, srv.URL)
	}

	counter := NewSharedCounter(2)
	client := NewHTTPClient(counter, HTTPConfig{CheckoutTimeout: 50 * time.Millisecond, RequestTimeout: time.Second, MaxIdlePerHost: 4})
	defer client.Close()

	// the first two hosts leave an idle client each, filling the ceiling
	for round := 0; round < 3; round++ {
		for _, host := range hosts {
			req, _ := http.NewRequest(http.MethodGet, host, nil)
			if _, err := client.Do(req); err != nil {
				t.Fatalf("Round %d, %s: %v", round, host, err)
			}
		}
	}
	if counter.Count() > counter.Ceiling() {
		t.Errorf("Ceiling exceeded: %d", counter.Count())
	}
}

func TestCheckStatus(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://remote.example/inbox", nil)

	tests := []struct {
		code      int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusGone, true, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
	}
	for _, tt := range tests {
		err := CheckStatus(req, &Response{StatusCode: tt.code})
		if (err != nil) != tt.wantErr {
			t.Errorf("%d: expected error %v, got %v", tt.code, tt.wantErr, err)
			continue
		}
		var se *StatusError
		if err != nil && (!errors.As(err, &se) || se.Permanent() != tt.permanent) {
			t.Errorf("%d: expected permanent=%v, got %v", tt.code, tt.permanent, err)
		}
	}
}
