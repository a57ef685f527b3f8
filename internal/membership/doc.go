/*
Package membership implements types.MembershipWatcher with a SWIM-derived
gossip protocol: nodes periodically announce themselves alive, a missed
contact moves a peer to suspect, and a suspicion that is never refuted
within the timeout promotes it to dead.

The Manager's timeout monitor consults a Tracker's DeadWorkers/Subscribe to
decide which in-progress tasks belong to a worker that is never coming
back, independent of the coordination store's own session timeout — a
worker can be gossip-dead well before its session expires, or vice versa.

	tracker := membership.New(membership.DefaultConfig())
	if err := tracker.Start(); err != nil {
		log.Fatal(err)
	}
	defer tracker.Stop()

	for _, seed := range seeds {
		_ = tracker.Join(seed)
	}
*/
package membership
