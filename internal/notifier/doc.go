// Package notifier gates outbound notifications through a durable
// sliding-window quota.
//
// A message is admitted only while fewer than MaxPerWindow successful
// deliveries were recorded within the trailing Window. Rejected messages are
// dropped, never queued. Only successful deliveries consume quota.
package notifier
