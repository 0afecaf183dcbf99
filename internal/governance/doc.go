// Package governance holds the failure controls of outbound deliveries:
// retries with exponential backoff for transient errors and per-site circuit
// breakers that stop hammering receivers which keep failing.
package governance
