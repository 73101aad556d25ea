package oauthcallback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, onCode func(ctx context.Context, code string) (string, error)) *Server[string] {
	t.Helper()
	srv, err := New(Config[string]{
		Addr:          "127.0.0.1:0",
		ExpectedState: "expected-state",
		OnCode:        onCode,
		Timeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("http.Get(%q) error = %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestSuccessfulCallbackResolvesWithOnCodeResult(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) {
		return "token-for-" + code, nil
	})

	resultCh := make(chan struct {
		value string
		err   error
	}, 1)
	go func() {
		value, err := srv.Wait(context.Background())
		resultCh <- struct {
			value string
			err   error
		}{value, err}
	}()

	url := fmt.Sprintf("http://%s/callback?state=expected-state&code=abc123", srv.Addr())
	status, body := get(t, url)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(body, "complete") {
		t.Fatalf("body = %q, want success html", body)
	}

	result := <-resultCh
	if result.err != nil {
		t.Fatalf("Wait() error = %v", result.err)
	}
	if result.value != "token-for-abc123" {
		t.Fatalf("Wait() value = %q, want token-for-abc123", result.value)
	}
}

func TestMissingCodeIsRejectedWith400(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) { return "", nil })

	resultCh := make(chan error, 1)
	go func() {
		_, err := srv.Wait(context.Background())
		resultCh <- err
	}()

	url := fmt.Sprintf("http://%s/callback?state=expected-state", srv.Addr())
	status, _ := get(t, url)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}

	err := <-resultCh
	if err == nil || !strings.Contains(err.Error(), "missing authorization code") {
		t.Fatalf("Wait() error = %v, want missing authorization code", err)
	}
}

func TestStateMismatchIsRejectedWith400(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) { return "", nil })

	resultCh := make(chan error, 1)
	go func() {
		_, err := srv.Wait(context.Background())
		resultCh <- err
	}()

	url := fmt.Sprintf("http://%s/callback?state=wrong&code=abc", srv.Addr())
	status, _ := get(t, url)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}

	err := <-resultCh
	if err == nil || !strings.Contains(err.Error(), "invalid state") {
		t.Fatalf("Wait() error = %v, want invalid state", err)
	}
}

func TestUpstreamErrorParameterIsRejectedWithDescription(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) { return "", nil })

	resultCh := make(chan error, 1)
	go func() {
		_, err := srv.Wait(context.Background())
		resultCh <- err
	}()

	url := fmt.Sprintf("http://%s/callback?error=access_denied&error_description=user+declined", srv.Addr())
	status, _ := get(t, url)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}

	err := <-resultCh
	if err == nil || !strings.Contains(err.Error(), "user declined") {
		t.Fatalf("Wait() error = %v, want user declined", err)
	}
}

func TestOnCodeErrorIsRejectedWith500(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) {
		return "", fmt.Errorf("token exchange failed")
	})

	resultCh := make(chan error, 1)
	go func() {
		_, err := srv.Wait(context.Background())
		resultCh <- err
	}()

	url := fmt.Sprintf("http://%s/callback?state=expected-state&code=abc", srv.Addr())
	status, _ := get(t, url)
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}

	err := <-resultCh
	if err == nil || !strings.Contains(err.Error(), "token exchange failed") {
		t.Fatalf("Wait() error = %v, want token exchange failed", err)
	}
}

func TestErrorHTMLEscapesArbitraryMessages(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) { return "", nil })
	go srv.Wait(context.Background())

	url := fmt.Sprintf("http://%s/callback?error=%s", srv.Addr(), "%3Cscript%3Ealert(1)%3C%2Fscript%3E")
	_, body := get(t, url)
	if strings.Contains(body, "<script>") {
		t.Fatalf("body = %q, want the script tag HTML-escaped", body)
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Fatalf("body = %q, want an escaped script tag", body)
	}
}

func TestStopRejectsAPendingWaitWithOAuthCancelled(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) { return "", nil })

	resultCh := make(chan error, 1)
	go func() {
		_, err := srv.Wait(context.Background())
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	srv.Stop()

	select {
	case err := <-resultCh:
		if err != ErrOAuthCancelled {
			t.Fatalf("Wait() error = %v, want ErrOAuthCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after Stop()")
	}
}

func TestCancelPathRejectsAPendingWaitWithOAuthCancelled(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) { return "", nil })

	resultCh := make(chan error, 1)
	go func() {
		_, err := srv.Wait(context.Background())
		resultCh <- err
	}()

	url := fmt.Sprintf("http://%s/cancel", srv.Addr())
	get(t, url)

	select {
	case err := <-resultCh:
		if err != ErrOAuthCancelled {
			t.Fatalf("Wait() error = %v, want ErrOAuthCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after /cancel")
	}
}

func TestWaitTimesOutWhenNoCallbackArrives(t *testing.T) {
	srv, err := New(Config[string]{
		Addr:          "127.0.0.1:0",
		ExpectedState: "expected-state",
		OnCode:        func(ctx context.Context, code string) (string, error) { return "", nil },
		Timeout:       20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	_, err = srv.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Wait() error = %v, want a timeout error", err)
	}
}

func TestDuplicateCallbackRequestDoesNotBlockAfterSettlement(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, code string) (string, error) { return "first", nil })

	url := fmt.Sprintf("http://%s/callback?state=expected-state&code=one", srv.Addr())
	get(t, url)

	// A second hit on the same callback URL, after the first one already
	// settled the outcome, must still get a normal HTTP response rather than
	// blocking on the full result channel. Wait closes the listener when it
	// returns, so the duplicate is sent before Wait is called.
	status, _ := get(t, url)
	if status != http.StatusOK {
		t.Fatalf("duplicate callback status = %d, want 200", status)
	}

	if value, _ := srv.Wait(context.Background()); value != "first" {
		t.Fatalf("Wait() value = %q, want first", value)
	}
}
