// Package remapd provides a native Go supervisor for a keyboard-remapping
// engine process, communicating with it over a localhost line-delimited-JSON
// socket.
//
// The core functionality centers around the ClientStream type, which owns one
// logical connection to the engine and provides handshake, status, and reload
// operations:
//
//	client := remapd.NewClientStream("127.0.0.1:5829")
//	defer client.Close()
//
//	// Negotiate protocol version and capabilities
//	hs, err := client.Handshake(context.Background())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("engine %s, protocol %d\n", hs.Version, hs.Protocol)
//
//	// Trigger a config reload and wait for it to settle
//	res, err := client.Reload(context.Background(), 2000)
//
// # Applying Configuration Safely
//
// The ApplyPipeline type pushes a configuration change through a validated,
// atomic, rollback-protected sequence: validate the proposed text, snapshot
// the current file, atomically replace it, re-validate, reload the engine,
// and wait for readiness. Any failure after the write restores the snapshot:
//
//	pipeline := remapd.NewApplyPipeline(validator,
//	    remapd.WithApplyEngine(client))
//	result := pipeline.Apply(ctx, "/etc/remapd/engine.kbd", newConfig)
//	if !result.Success {
//	    fmt.Printf("apply failed (%s), rolled back: %v\n",
//	        result.Kind, result.RolledBack)
//	}
//
// # Keeping the Engine Alive
//
// The Supervisor type runs a periodic health check against the engine and
// executes a bounded, escalating recovery policy (restart, kill conflicting
// processes and restart, full recovery, give up) computed by a HealthMonitor.
// Restart storms are prevented by a cooldown interval and a post-start grace
// period during which failed pings are ignored.
//
// # Design Philosophy
//
// This library prioritizes:
//
//   - One fixed local peer: no general RPC machinery, no authentication
//     beyond the legacy datagram session scheme
//   - Strict per-instance serialization: a new request supersedes any
//     in-flight one, so a pending caller resolves exactly once
//   - Context-aware operations with race-and-cancel timeouts
//   - Structured results (ApplyResult, HealthStatus, RecoveryAction) instead
//     of errors thrown across component boundaries
//
// The Supervisor and LayerListener are included because nearly every
// deployment wants the monitoring loop and the live layer-change feed, but
// they remain optional - all their functionality can be replicated using
// ClientStream and HealthMonitor directly.
package remapd
