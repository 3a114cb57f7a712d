// Package messaging is the delivery engine of courier.
//
// A Runtime ties together:
//   - Router: maps a message type, endpoint name, topic or explicit URI to
//     one or more destination endpoints and stamps envelope defaults
//   - Sending agents: durable agents send envelopes already stored in the
//     outbox; buffered agents keep failed envelopes in memory and latch
//     while the destination is down
//   - Listening agents: own a transport listener per endpoint, support
//     pause with automatic resume and an optional circuit breaker
//   - Worker queues: run handlers with bounded parallelism. Durable queues
//     store every envelope in the inbox before acknowledging the broker
//   - Executor and FailurePolicy: record attempts, invoke handlers and turn
//     failures into continuations (retry inline, requeue, schedule retry,
//     pause the listener, dead letter)
//   - DurabilityAgent: releases due scheduled envelopes and recovers the
//     inbox and outbox rows of nodes that stopped
//
// Example usage:
//
//	rt, err := messaging.NewRuntime(
//		messaging.WithStore(store),
//		messaging.WithTransport(memory.New()),
//	)
//	if err != nil {
//		return err
//	}
//
//	_, err = rt.RegisterHandler(PlaceOrder{}, messaging.MessageHandlerFunc(
//		func(ctx context.Context, msg any) error {
//			mc, _ := messaging.FromContext(ctx)
//			return mc.Publish(ctx, OrderPlaced{ID: msg.(*PlaceOrder).ID})
//		}), messaging.WithQueue("orders"), messaging.WithDurableQueue())
//
//	rt.Policy().OnError(messaging.MatchAll()).
//		RetryInline(50 * time.Millisecond).
//		ScheduleRetry(time.Second, 10*time.Second)
//
//	if err := rt.Start(ctx); err != nil {
//		return err
//	}
//	defer rt.Stop(context.Background())
//
//	err = rt.Send(ctx, PlaceOrder{ID: "o-1"})
//
// Delivery is at least once. Handlers must tolerate duplicates.
package messaging
