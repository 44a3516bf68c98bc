// Package pubsub delivers domain events at least once from a producing
// service to its consumers over interchangeable transports.
//
// Architecture:
//   - Domain code appends an OutboxEvent to an outbox store in the same
//     transaction as its state change (package outbox).
//   - The outbox Publisher polls the store and flushes each event through
//     the active EventAdapter, counting retries and moving exhausted or
//     malformed events to the dead letter queue (package dlq).
//   - Adapters share one contract and one Core: memory (in-process),
//     postgres (table-backed queue), rabbitmq, kafka, nats and redis.
//   - Listeners bind to an event name and a DomainModelVersion; "1.2.*"
//     accepts every build of 1.2.
//
// Basic example:
//
//	adapter, err := memory.New(pubsub.Settings{Topic: "weather", MaxDeliveryRetries: 3})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_, err = adapter.Subscribe(ctx, pubsub.NewListener("WeatherPredicted",
//	    pubsub.MustParseVersion("1.0.*"),
//	    func(ctx context.Context, msg pubsub.Message) error {
//	        forecast, err := pubsub.Decode[Forecast](msg)
//	        if err != nil {
//	            return err
//	        }
//	        return store(ctx, forecast)
//	    }))
//	if err := adapter.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer adapter.Stop(ctx)
//
//	publisher := outbox.NewPublisher(outbox.NewMemoryStore(), adapter, dlq.NewMemoryStore()).
//	    WithMaxDeliveryRetries(3)
//	go publisher.Run(ctx)
//
// Listeners may be redelivered a message; wrap them to skip ids they have
// already handled:
//
//	listener = pubsub.Wrap(listener,
//	    pubsub.TraceMiddleware(nil),
//	    idempotency.Middleware(idempotency.NewRedisStore(rdb, 24*time.Hour), "billing.forecast"))
//
// Select a transport at startup through a Providers registry:
//
//	providers := pubsub.NewProviders()
//	providers.Register(pubsub.ProviderMemory, memory.Factory)
//	providers.Register(pubsub.ProviderKafka, kafka.Factory)
//	adapter, err := providers.New(ctx, pubsub.ParseProvider(os.Getenv("PUBSUB_PROVIDER")), settings)
package pubsub
