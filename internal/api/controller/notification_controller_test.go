package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bassista/go_offline/internal/notify"
	"github.com/bassista/go_offline/internal/worker"
	"github.com/gin-gonic/gin"
)

type mockLister struct {
	list []notify.Notification
}

func (m *mockLister) List() []notify.Notification { return m.list }

func newNotificationRouter(d Dispatcher, l NotificationLister) *gin.Engine {
	nc := NewNotificationController(d, l)
	r := gin.New()
	r.POST("/push", nc.Push)
	r.GET("/notifications", nc.List)
	r.POST("/notifications/:tag/click", nc.Click)
	return r
}

func TestNotificationController_Push(t *testing.T) {
	n := notify.Notification{Tag: "order-1", Title: "Order filled", URL: "/trading"}
	d := &mockDispatcher{out: worker.Outcome{Notification: &n}}
	payload := []byte(`{"title":"Order filled","tag":"order-1","data":{"url":"/trading"}}`)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/push", bytes.NewReader(payload))
	newNotificationRouter(d, &mockLister{}).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if d.last.Kind != worker.KindPush || !bytes.Equal(d.last.Data, payload) {
		t.Errorf("payload not forwarded: %+v", d.last)
	}
	var got notify.Notification
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if got.Tag != "order-1" {
		t.Errorf("expected tag order-1, got %q", got.Tag)
	}
}

func TestNotificationController_PushDropped(t *testing.T) {
	d := &mockDispatcher{out: worker.Outcome{Dropped: true}}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/push", bytes.NewBufferString(`not json`))
	newNotificationRouter(d, &mockLister{}).ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for dropped payload, got %d", w.Code)
	}
	var body map[string]bool
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if !body["dropped"] {
		t.Errorf("expected dropped=true, got %s", w.Body.String())
	}
}

func TestNotificationController_ListEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/notifications", nil)
	newNotificationRouter(&mockDispatcher{}, &mockLister{}).ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Errorf("expected empty list, got %d %s", w.Code, w.Body.String())
	}
}

func TestNotificationController_Click(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		wantAction string
	}{
		{name: "plain click", target: "/notifications/order-1/click"},
		{name: "action from query", target: "/notifications/order-1/click?action=view", wantAction: "view"},
		{name: "action from body", target: "/notifications/order-1/click", body: `{"action":"dismiss"}`, wantAction: "dismiss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{out: worker.Outcome{Click: &notify.ClickResult{Tag: "order-1", URL: "/trading", Opened: true}}}

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, tt.target, bytes.NewBufferString(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			newNotificationRouter(d, &mockLister{}).ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if d.last.Kind != worker.KindNotificationClick || d.last.Tag != "order-1" || d.last.Action != tt.wantAction {
				t.Errorf("unexpected event %+v", d.last)
			}
		})
	}
}

func TestNotificationController_ClickUnknown(t *testing.T) {
	d := &mockDispatcher{err: fmt.Errorf("click: %w", notify.ErrUnknownNotification)}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/notifications/missing/click", nil)
	newNotificationRouter(d, &mockLister{}).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
