// Package webhooks is the HTTP surface of the billing engine.
//
// WebhookHandler receives payment provider notifications on
// POST /billing/webhook. The raw body is authenticated before it is parsed,
// then deduplicated by event id, archived, and handed to the billing
// processor:
//
//	handler := webhooks.NewWebhookHandler(webhooks.WebhookConfig{
//		Parser:    stripe.NewVerifier(secret, 0),
//		Processor: processor,
//		Deduper:   webhooks.NewRedisDeduper(redisClient, 72*time.Hour, metrics),
//		Logger:    logger,
//	})
//	handler.RegisterRoutes(router)
//
// Responses: 400 when the signature or the event is bad, 200 for processed,
// ignored and duplicate events, 500 when applying the event failed and the
// provider should redeliver it.
//
// BillingHandlers serves the application-facing routes: checkout, the
// billing portal, manual resync, current usage and wallet history.
package webhooks
