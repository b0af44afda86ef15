package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/stream"
)

func TestAuditStreamDeliversEvents(t *testing.T) {
	env := newTestAPI(t)
	admin := env.seedAdmin(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.baseURL+"/v1/audit/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin.AccessToken)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// The subscription is registered before the handler blocks on events,
	// but give the goroutine a moment to get there.
	deadline := time.Now().Add(2 * time.Second)
	for env.events.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.signup("t1", "watched@example.com", "a-long-password!")

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()

	select {
	case raw := <-lines:
		var evt stream.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Action != "identity.created" {
			t.Fatalf("action = %q, want identity.created", evt.Action)
		}
		if evt.TenantID != "t1" {
			t.Fatalf("tenant = %q, want t1", evt.TenantID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}

func TestAuditStreamRequiresPermission(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "plain@example.com", "a-long-password!")
	signin := env.signin("t1", "plain@example.com", "a-long-password!")

	resp := env.get("/v1/audit/stream", nil, bearerHeader(signin.AccessToken))
	env.wantStatus(resp, http.StatusForbidden)
	resp.Body.Close()
}
