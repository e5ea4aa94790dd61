package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/ack"
	"github.com/nextlevelbuilder/wapipe/internal/outbound"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/internal/store/storetest"
)

type fixture struct {
	mem  *storetest.Memory
	msgs store.MessageStore
	conv *store.Conversation
	mux  *http.ServeMux
	h    *MessagesHandler
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	mem := storetest.NewMemory()
	msgs := mem.MessageStore()
	conv, err := mem.GetOrCreate(context.Background(), store.ConversationKey{TenantID: "t1", ConnectionID: "wa1", ChatID: "555"})
	if err != nil {
		t.Fatal(err)
	}
	gw := outbound.NewGateway(mem, msgs, nil)
	h := NewMessagesHandler(gw, mem, msgs, ack.New(msgs, mem, nil), token)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &fixture{mem: mem, msgs: msgs, conv: conv, mux: mux, h: h}
}

type call struct {
	method, path string
	body         interface{}
	tenant       string
	headers      map[string]string
}

func (f *fixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		if s, ok := c.body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(c.body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	if c.tenant != "" {
		req.Header.Set(TenantHeader, c.tenant)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func (f *fixture) sendBody(key, text string) map[string]interface{} {
	return map[string]interface{}{"client_key": key, "conversation_id": f.conv.ID, "text": text}
}

func TestSendAndReplay(t *testing.T) {
	f := newFixture(t, "")

	first := f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("k1", "hello")})
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", first.Code, first.Body)
	}
	again := f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("k1", "hello again")})
	if again.Code != http.StatusOK {
		t.Fatalf("replay status = %d", again.Code)
	}
	a, b := decode[store.Message](t, first), decode[store.Message](t, again)
	if a.ID != b.ID || b.Text != "hello" {
		t.Errorf("replay returned %+v, want the original row", b)
	}
}

func TestSendIdempotencyHeader(t *testing.T) {
	f := newFixture(t, "")
	body := f.sendBody("", "hi")
	delete(body, "client_key")

	rec := f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: body, headers: map[string]string{"Idempotency-Key": "hdr-1"}})
	if rec.Code != http.StatusOK || decode[store.Message](t, rec).ClientKey != "hdr-1" {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body)
	}

	rec = f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("body-key", "hi"), headers: map[string]string{"Idempotency-Key": "hdr-2"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("mismatched keys status = %d, want 400", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, "secret")
	auth := map[string]string{"Authorization": "Bearer secret"}
	other, _ := f.mem.GetOrCreate(context.Background(), store.ConversationKey{TenantID: "t2", ConnectionID: "wa9", ChatID: "1"})
	archived, _ := f.mem.GetOrCreate(context.Background(), store.ConversationKey{TenantID: "t1", ConnectionID: "wa1", ChatID: "old"})
	f.mem.Archive(context.Background(), archived.ID)

	tests := []struct {
		name      string
		call      call
		want      int
		wantField string
	}{
		{"no token", call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("k", "x")}, http.StatusUnauthorized, ""},
		{"no tenant", call{method: "POST", path: "/v1/messages", headers: auth, body: f.sendBody("k", "x")}, http.StatusBadRequest, ""},
		{"bad json", call{method: "POST", path: "/v1/messages", tenant: "t1", headers: auth, body: "{"}, http.StatusBadRequest, ""},
		{"missing key", call{method: "POST", path: "/v1/messages", tenant: "t1", headers: auth, body: f.sendBody("", "x")}, http.StatusBadRequest, "client_key"},
		{"empty text", call{method: "POST", path: "/v1/messages", tenant: "t1", headers: auth, body: f.sendBody("k", "")}, http.StatusBadRequest, "content"},
		{"foreign conversation", call{method: "POST", path: "/v1/messages", tenant: "t1", headers: auth,
			body: map[string]interface{}{"client_key": "k", "conversation_id": other.ID, "text": "x"}}, http.StatusNotFound, ""},
		{"archived", call{method: "POST", path: "/v1/messages", tenant: "t1", headers: auth,
			body: map[string]interface{}{"client_key": "k", "conversation_id": archived.ID, "text": "x"}}, http.StatusConflict, ""},
		{"history bad id", call{method: "GET", path: "/v1/conversations/nope/messages", tenant: "t1", headers: auth}, http.StatusBadRequest, "id"},
		{"history foreign tenant", call{method: "GET", path: "/v1/conversations/" + f.conv.ID.String() + "/messages", tenant: "t2", headers: auth}, http.StatusNotFound, ""},
		{"history bad cursor", call{method: "GET", path: "/v1/conversations/" + f.conv.ID.String() + "/messages?before=%21%21", tenant: "t1", headers: auth}, http.StatusBadRequest, ""},
		{"history bad limit", call{method: "GET", path: "/v1/conversations/" + f.conv.ID.String() + "/messages?limit=-1", tenant: "t1", headers: auth}, http.StatusBadRequest, "limit"},
		{"receipt bad level", call{method: "POST", path: "/v1/receipts", tenant: "t1", headers: auth, body: map[string]interface{}{"client_key": "k", "ack": 9}}, http.StatusBadRequest, ""},
		{"receipt unknown message", call{method: "POST", path: "/v1/receipts", tenant: "t1", headers: auth, body: map[string]interface{}{"client_key": "missing", "ack": 2}}, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.call)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if tt.wantField != "" {
				if got := decode[errorBody](t, rec).Field; got != tt.wantField {
					t.Errorf("field = %q, want %q", got, tt.wantField)
				}
			}
		})
	}
}

func TestStoreUnavailableIsRetryable(t *testing.T) {
	f := newFixture(t, "")
	f.mem.Fail = errors.New("connection refused")

	rec := f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("k", "x")})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 without Retry-After")
	}
	if !decode[errorBody](t, rec).Retryable {
		t.Error("503 body not marked retryable")
	}
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, "")
	f.h.SetRateLimiter(func(key string) bool { return key != "t1" })

	rec := f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("k", "x")})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t, "")
	for i := 0; i < 5; i++ {
		rec := f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody(fmt.Sprintf("k%d", i), fmt.Sprintf("m%d", i))})
		if rec.Code != http.StatusOK {
			t.Fatal(rec.Body.String())
		}
	}

	path := "/v1/conversations/" + f.conv.ID.String() + "/messages"
	var texts []string
	next := ""
	for page := 0; page < 5; page++ {
		p := path + "?limit=2"
		if next != "" {
			p += "&before=" + next
		}
		rec := f.do(t, call{method: "GET", path: p, tenant: "t1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		got := decode[store.HistoryPage](t, rec)
		for i := len(got.Messages) - 1; i >= 0; i-- {
			texts = append(texts, got.Messages[i].Text)
		}
		if got.NextCursor == "" {
			break
		}
		next = got.NextCursor
	}
	want := "m4,m3,m2,m1,m0"
	if g := fmt.Sprint(texts); g != "[m4 m3 m2 m1 m0]" {
		t.Errorf("paged newest-first = %v, want %s", texts, want)
	}
}

func TestArchiveThenSend(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, call{method: "POST", path: "/v1/conversations/" + f.conv.ID.String() + "/archive", tenant: "t1"})
	if rec.Code != http.StatusOK || !decode[store.Conversation](t, rec).Archived {
		t.Fatalf("archive: %d %s", rec.Code, rec.Body)
	}
	rec = f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("k", "x")})
	if rec.Code != http.StatusConflict {
		t.Errorf("send after archive = %d, want 409", rec.Code)
	}
}

func TestKeyConflictAcrossTenants(t *testing.T) {
	f := newFixture(t, "")
	other, err := f.mem.GetOrCreate(context.Background(), store.ConversationKey{TenantID: "t2", ConnectionID: "wa2", ChatID: "777"})
	if err != nil {
		t.Fatal(err)
	}
	rec := f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("shared", "secret of t1")})
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Body.String())
	}

	body := map[string]interface{}{"client_key": "shared", "conversation_id": other.ID, "text": "hi"}
	rec = f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t2", body: body})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "secret of t1") {
		t.Errorf("response leaks the other tenant's message: %s", rec.Body)
	}
}

type cancelRecorder struct{ ids []uuid.UUID }

func (c *cancelRecorder) Cancel(id uuid.UUID) int {
	c.ids = append(c.ids, id)
	return 1
}

func TestArchiveCancelsDelivery(t *testing.T) {
	f := newFixture(t, "")
	cr := &cancelRecorder{}
	f.h.SetCanceller(cr)

	rec := f.do(t, call{method: "POST", path: "/v1/conversations/" + f.conv.ID.String() + "/archive", tenant: "t1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("archive: %d %s", rec.Code, rec.Body)
	}
	if len(cr.ids) != 1 || cr.ids[0] != f.conv.ID {
		t.Errorf("cancelled %v, want [%s]", cr.ids, f.conv.ID)
	}
}

func TestReceiptEndpoint(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, call{method: "POST", path: "/v1/messages", tenant: "t1", body: f.sendBody("k1", "x")})
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Body.String())
	}

	for i, wantApplied := range []bool{true, false} {
		rec := f.do(t, call{method: "POST", path: "/v1/receipts", tenant: "t1", body: map[string]interface{}{"client_key": "k1", "ack": 3}})
		if rec.Code != http.StatusOK {
			t.Fatalf("receipt %d status = %d: %s", i, rec.Code, rec.Body)
		}
		got := decode[receiptResponse](t, rec)
		if got.Applied != wantApplied || got.Message.Ack != store.AckDevice {
			t.Errorf("receipt %d = applied %v ack %d", i, got.Applied, got.Message.Ack)
		}
	}
}
