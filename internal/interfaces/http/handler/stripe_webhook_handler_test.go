package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	billingapp "github.com/metering/backend/internal/application/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func webhookEngine(p WebhookProcessor) *gin.Engine {
	r := gin.New()
	r.POST("/webhooks/stripe", NewStripeWebhookHandler(p, nil).HandleStripeWebhook)
	return r
}

func webhookRequest(payload, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	return req
}

func TestStripeWebhookHandler(t *testing.T) {
	t.Run("processed", func(t *testing.T) {
		p := new(mockWebhooks)
		p.On("ProcessWebhook", mock.Anything, []byte(`{"id":"evt_1"}`), "t=1,v1=abc").
			Return(&billingapp.WebhookResult{EventID: "evt_1", EventType: "invoice.paid", Processed: true, Message: "ok"}, nil)

		w := serve(webhookEngine(p), webhookRequest(`{"id":"evt_1"}`, "t=1,v1=abc"))

		assert.Equal(t, http.StatusOK, w.Code)
		got := decodeInto[StripeWebhookResponse](t, w)
		assert.True(t, got.Received)
		assert.Equal(t, "evt_1", got.EventID)
	})

	t.Run("missing signature", func(t *testing.T) {
		p := new(mockWebhooks)
		w := serve(webhookEngine(p), webhookRequest(`{}`, ""))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		p.AssertNotCalled(t, "ProcessWebhook", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("bad signature", func(t *testing.T) {
		p := new(mockWebhooks)
		p.On("ProcessWebhook", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: no valid signature", billingapp.ErrInvalidSignature))

		w := serve(webhookEngine(p), webhookRequest(`{}`, "t=1,v1=bad"))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, decodeInto[StripeWebhookResponse](t, w).Received)
	})

	t.Run("processing failure is acknowledged", func(t *testing.T) {
		p := new(mockWebhooks)
		p.On("ProcessWebhook", mock.Anything, mock.Anything, mock.Anything).
			Return(&billingapp.WebhookResult{EventID: "evt_2", EventType: "invoice.paid"}, assert.AnError)

		w := serve(webhookEngine(p), webhookRequest(`{}`, "t=1,v1=abc"))

		assert.Equal(t, http.StatusOK, w.Code)
		got := decodeInto[StripeWebhookResponse](t, w)
		assert.True(t, got.Received)
		assert.NotContains(t, got.Message, assert.AnError.Error())
	})

	t.Run("payload too large", func(t *testing.T) {
		p := new(mockWebhooks)
		w := serve(webhookEngine(p), webhookRequest(strings.Repeat("x", maxWebhookPayloadSize+1), "t=1,v1=abc"))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}
