package assistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"voicecal/internal/session"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeNotFound(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"error":{"message":"` + msg + `","type":"invalid_request_error","param":null,"code":null}}`))
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestRetrieveAssistantNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "No assistant found with id 'asst_gone'.")
	})

	err := c.RetrieveAssistant(context.Background(), "asst_gone")
	var nf *session.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Resource != session.ResourceAssistant || nf.ID != "asst_gone" {
		t.Fatalf("unexpected not-found: %+v", nf)
	}
}

func TestRetrieveThreadServerErrorIsNotNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	err := c.RetrieveThread(context.Background(), "thread_1")
	if err == nil {
		t.Fatal("expected error")
	}
	var nf *session.NotFoundError
	if errors.As(err, &nf) {
		t.Fatalf("server error mapped to not-found: %v", err)
	}
}

func TestStartRunNotFoundNamesAssistant(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "No assistant found with id 'asst_1'.")
	})

	_, err := c.StartRun(context.Background(), "thread_1", "asst_1")
	var nf *session.NotFoundError
	if !errors.As(err, &nf) || nf.Resource != session.ResourceAssistant {
		t.Fatalf("expected assistant not-found, got %v", err)
	}
}

func TestListMessagesTakesFirstText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/threads/thread_1/messages") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("order") != "desc" {
			t.Errorf("expected newest-first order, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"data": [
				{"id": "msg_2", "object": "thread.message", "role": "assistant", "thread_id": "thread_1",
				 "content": [{"type": "text", "text": {"value": "{\"summary\":\"Dentist\"}", "annotations": []}}]},
				{"id": "msg_1", "object": "thread.message", "role": "user", "thread_id": "thread_1",
				 "content": [{"type": "text", "text": {"value": "prompt", "annotations": []}}]}
			],
			"first_id": "msg_2", "last_id": "msg_1", "has_more": false
		}`))
	})

	msgs, err := c.ListMessages(context.Background(), "thread_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "assistant" || msgs[0].Text != `{"summary":"Dentist"}` {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
}
