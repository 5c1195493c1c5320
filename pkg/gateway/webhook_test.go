package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faqforge/billing/pkg/gateway"
)

func TestParseEvent(t *testing.T) {
	t.Parallel()

	t.Run("subscription charged event", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{
			"id": "evt_001",
			"event": "subscription.charged",
			"payload": {
				"subscription": {
					"entity": {
						"id": "sub_123",
						"plan_id": "plan_pro_monthly",
						"status": "active",
						"current_start": 1761955200,
						"current_end": 1764547200,
						"notes": {"user_id": "4f2d8c1a-0000-0000-0000-000000000001", "tier": "pro"}
					}
				}
			}
		}`)

		event, err := gateway.ParseEvent(body)
		require.NoError(t, err)
		assert.Equal(t, "evt_001", event.ID)
		assert.Equal(t, gateway.KindSubscriptionCharged, event.Kind)
		require.NotNil(t, event.Subscription)
		assert.Equal(t, "sub_123", event.Subscription.ID)
		assert.Equal(t, int64(1764547200), event.Subscription.CurrentEnd)
		assert.Equal(t, "pro", event.Subscription.Notes["tier"])
		assert.Nil(t, event.Payment)
	})

	t.Run("order paid event carries payment entity", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{
			"event": "order.paid",
			"payload": {
				"payment": {
					"entity": {
						"id": "pay_77",
						"order_id": "order_55",
						"amount": 900,
						"currency": "INR",
						"status": "captured"
					}
				}
			}
		}`)

		event, err := gateway.ParseEvent(body)
		require.NoError(t, err)
		assert.Equal(t, gateway.KindOrderPaid, event.Kind)
		require.NotNil(t, event.Payment)
		assert.Equal(t, "order_55", event.Payment.OrderID)
	})

	t.Run("unknown event kind is explicit, not an error", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{"event": "invoice.generated", "payload": {}}`)

		event, err := gateway.ParseEvent(body)
		require.NoError(t, err)
		assert.Equal(t, gateway.KindUnknown, event.Kind)
		assert.Equal(t, "invoice.generated", event.RawKind)
		assert.Nil(t, event.Subscription)
		assert.Nil(t, event.Payment)
	})

	t.Run("malformed json is an error", func(t *testing.T) {
		t.Parallel()
		_, err := gateway.ParseEvent([]byte(`{"event":`))
		assert.Error(t, err)
	})

	t.Run("missing delivery id falls back to content-derived", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{
			"event": "subscription.charged",
			"payload": {"subscription": {"entity": {"id": "sub_123", "current_end": 1764547200}}}
		}`)

		event, err := gateway.ParseEvent(body)
		require.NoError(t, err)
		assert.Equal(t, "subscription.charged:sub_123:1764547200", event.ID)

		// Same content yields the same id for retried deliveries.
		again, err := gateway.ParseEvent(body)
		require.NoError(t, err)
		assert.Equal(t, event.ID, again.ID)
	})
}
