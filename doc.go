// Package cresontrol bridges a CresControl grow controller into a
// reliable, always-fresh parameter snapshot.
//
// The device speaks a plain line protocol: commands go out as "key" or
// "key=value", replies come back as "key::value". Two transports carry
// it: a persistent WebSocket on port 81 for low-latency push updates,
// and a stateless HTTP GET /command endpoint on port 80 for batched
// one-shot reads.
//
// The packages layer as follows:
//
//   - protocol: encode commands, decode reply lines, parse batched
//     HTTP responses. Malformed lines are dropped, never errors.
//   - snapshot: the merged last-write-wins parameter store, tracking
//     which transport supplied each value and when.
//   - connection: the persistent WebSocket session with its reconnect
//     supervisor (exponential backoff, capped attempts, manual
//     recovery after exhaustion).
//   - scheduler: periodic re-reads of the subscribed keys over the
//     live connection, paced so the device is not flooded.
//   - poller: batched HTTP fallback reads and one-shot writes.
//   - coordinator: ties it all together. Decides which transport is
//     authoritative, adapts the fallback cadence to live-path health,
//     and fans snapshot changes out to subscribers.
//
// cmd/cresbridge runs one session as a daemon with /metrics, /status
// and /snapshot endpoints.
package cresontrol
