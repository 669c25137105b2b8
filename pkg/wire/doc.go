// Package wire provides type-safe Go definitions and Redis schema patterns
// for the paddock control bus. The control bus is the duplex data path between
// robot-control processes (drivers, sensor nodes) and the RL training loop:
// actions flow out, observations and heartbeats flow in.
//
// All Redis keys and channels are namespaced by instance name to enable
// multiple paddock instances to safely coexist on a single Redis server.
//
// The package is used from both sides of the bus:
//
//   - The training side creates a Binding, which sends schema-checked actions
//     and delivers observations in sequence order with freshness timestamps.
//   - The controller side (a robot driver process) uses a Client directly to
//     subscribe to actions, publish observations, and publish heartbeats.
//
// Message delivery is Redis Pub/Sub (at-most-once). The Binding compensates
// for reordering by discarding any observation older than the newest one seen;
// lost observations surface as ErrObservationTimeout at the step protocol
// layer, never as a hang.
package wire
