// Package fanout distributes live device events to real-time observers.
//
// Every observer gets its own Subscription with a bounded queue. Publish
// never waits on an observer: when a queue is full the oldest event in it
// is discarded and the subscription's dropped counter goes up. Other
// subscriptions are unaffected.
//
//	b := fanout.New(fanout.Config{QueueSize: 256})
//	sub := b.Subscribe(fanout.Filter{Kinds: []fanout.Kind{fanout.KindTelemetry}})
//	defer b.Unsubscribe(sub)
//
//	for ev := range sub.C() {
//	    render(ev)
//	}
//
// With Config.EvictAfterDrops set, a subscription that keeps overflowing is
// closed and Err returns a *SubscriberOverrunError.
package fanout
