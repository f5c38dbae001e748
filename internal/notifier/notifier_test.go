package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deltagroupbrasil/cryptoinvoice/internal/model"
)

type stubStore struct {
	notifications []model.Notification
	err           error
}

func (s *stubStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	if s.err != nil {
		return s.err
	}
	s.notifications = append(s.notifications, *n)
	return nil
}

func TestNotify_WebhookDelivery(t *testing.T) {
	received := make(chan webhookPayload, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q, want application/json", ct)
		}

		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := &stubStore{}
	n := New(store, nil, Options{WebhookURL: ts.URL})

	n.Notify(context.Background(), model.StateChange{
		InvoiceID:     7,
		InvoiceNumber: "INV-20260830-X7K2",
		From:          model.InvoiceStatusSent,
		To:            model.InvoiceStatusPaymentDetected,
		Event:         model.EventPaymentDetected,
		TxID:          "aabbccdd00112233",
		Amount:        99.6,
	})

	select {
	case p := <-received:
		if p.Event != model.EventPaymentDetected {
			t.Fatalf("event = %q, want %q", p.Event, model.EventPaymentDetected)
		}
		if p.InvoiceNumber != "INV-20260830-X7K2" {
			t.Fatalf("invoice = %q", p.InvoiceNumber)
		}
		if p.Amount != 99.6 {
			t.Fatalf("amount = %v, want 99.6", p.Amount)
		}
	default:
		t.Fatalf("webhook was not delivered")
	}

	if len(store.notifications) != 1 {
		t.Fatalf("got %d stored notifications, want 1", len(store.notifications))
	}
	if store.notifications[0].InvoiceID != 7 {
		t.Fatalf("stored invoice id = %d, want 7", store.notifications[0].InvoiceID)
	}
}

func TestNotify_WebhookFailureDoesNotPanic(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	store := &stubStore{}
	n := New(store, nil, Options{WebhookURL: ts.URL})

	// Доставка fire-and-forget: сбой канала не должен выходить наружу.
	n.Notify(context.Background(), model.StateChange{
		InvoiceNumber: "INV-20260830-AAAA",
		Event:         model.EventPaymentConfirmed,
	})

	if len(store.notifications) != 1 {
		t.Fatalf("notification must be stored even when delivery fails")
	}
}

func TestNotify_NoChannelsConfigured(t *testing.T) {
	store := &stubStore{}
	n := New(store, nil, Options{})

	n.Notify(context.Background(), model.StateChange{
		InvoiceNumber: "INV-20260830-BBBB",
		Event:         model.EventPartialPayment,
		Amount:        10,
	})

	if len(store.notifications) != 1 {
		t.Fatalf("notification must be stored without delivery channels")
	}
}

func TestFormatMessage(t *testing.T) {
	msg := formatMessage(model.StateChange{
		InvoiceNumber: "INV-20260830-X7K2",
		Event:         model.EventPaymentConfirmed,
		Amount:        0.0015,
	})
	want := "Invoice INV-20260830-X7K2: payment of 0.0015 confirmed, invoice is paid"
	if msg != want {
		t.Fatalf("message = %q, want %q", msg, want)
	}
}
