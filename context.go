package pubsub

import "context"

type contextKey int

const (
	subscriptionIDKey contextKey = iota
	adapterKey
)

// ContextSubscriptionID returns the id of the subscription whose listener
// is handling the message, or "" outside a handler.
func ContextSubscriptionID(ctx context.Context) string {
	if v, ok := ctx.Value(subscriptionIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextAdapter returns the name of the adapter delivering the message.
func ContextAdapter(ctx context.Context) string {
	if v, ok := ctx.Value(adapterKey).(string); ok {
		return v
	}
	return ""
}

func contextWithDelivery(ctx context.Context, adapter string, sub *Subscription) context.Context {
	ctx = context.WithValue(ctx, adapterKey, adapter)
	return context.WithValue(ctx, subscriptionIDKey, sub.ID)
}
