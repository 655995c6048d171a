/*
Package events provides an in-memory event broker for lifeguard's audit
stream.

Components publish an Event whenever a change is planned, started,
completed, cancelled or expires, when a background task finishes, and when
the DNS reconciler reports a finding. Delivery is asynchronous and lossy:
Publish never blocks, and a subscriber whose buffer is full misses events.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		fmt.Println(event.Type, event.Message)
	}

KafkaSink subscribes to a broker and forwards every event as JSON to a
Kafka topic, keyed by pool name:

	sink := events.NewKafkaSink(cfg.Events.Brokers, cfg.Events.Topic)
	go sink.Run(ctx, broker)

A nil *Broker is valid and discards everything, so publishers never need to
check whether an event stream is configured.
*/
package events
