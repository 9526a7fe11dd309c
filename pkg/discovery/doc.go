// ABOUTME: Live service registry over multicast DNS discovery
// ABOUTME: Browse a service type and keep a consistent view of its instances
// Package discovery maintains a live registry of service instances found via
// multicast DNS and announces local services.
//
// A Session reads events from a Daemon, folds them into a Registry with
// Reduce, and publishes every change through a SnapshotPublisher. A single
// consumer calls AwaitNext and always sees the newest snapshot it has not
// seen yet; bursts are coalesced and the producer never waits for it.
//
// Example:
//
//	sess := discovery.NewSession(daemon, discovery.WithLogger(logger))
//	go func() {
//	    for {
//	        snap, err := sess.Publisher().AwaitNext(ctx)
//	        if err != nil {
//	            return
//	        }
//	        for _, rec := range snap.Records() {
//	            fmt.Printf("Service %s: %s\n", rec.Identity(), rec.Endpoint())
//	        }
//	    }
//	}()
//	err := sess.Browse(ctx, "_my-service._udp.local.")
//
// Announcing uses a PublishSession:
//
//	pub := discovery.NewPublishSession(daemon)
//	id, err := pub.Register(ctx, discovery.Descriptor{
//	    ServiceType: "_my-service._udp.local.",
//	    Instance:    "speaker1",
//	    Port:        5001,
//	})
//	err = pub.UnregisterAfter(ctx, 2*time.Second)
package discovery
