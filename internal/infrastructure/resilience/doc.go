/*
Package resilience provides a circuit breaker for dependencies that can stop
answering.

The external bridge uses it to stop queueing requests to content that keeps
timing out. A request that gets any reply, even an error, counts as a
success; only missing replies count as failures.

# Usage

	breaker := resilience.New("content", resilience.Settings{
		Threshold: 5,
		Cooldown:  10 * time.Second,
	})

	ticket, err := breaker.Allow()
	if err != nil {
		// open: fail fast
	}
	reply, err := wait()
	breaker.Report(ticket, !errors.Is(err, errNoReply))

# States

	Closed --[Threshold failures]-> Open --[Cooldown]-> Half-Open --[Probes successes]-> Closed
	                                                        |
	                                                    [failure]
	                                                        v
	                                                       Open

A zero Threshold disables the breaker, and a nil *Breaker behaves the same.
*/
package resilience
