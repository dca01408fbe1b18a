// Package secrets detects and redacts credentials in agent output.
//
// Agent tasks routinely read files and shell output that may contain API
// keys, tokens, or private keys. Everything published to the event bus
// passes through a Scrubber so credentials never reach UI subscribers.
// The heavier Gitleaks-backed Detect is exposed to agents as the
// secret_scan tool for deliberate workspace scans.
package secrets
