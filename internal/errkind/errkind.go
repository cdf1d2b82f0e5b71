// Package errkind classifies errors into the abstract kinds the pipeline
// reacts differently to: config, transient I/O, store-busy, poison, host
// timeout, and corruption. Components wrap errors with these sentinels via
// fmt.Errorf("%w", ...) so the supervisor and callers can branch on kind
// with errors.Is rather than string matching.
package errkind

import "errors"

var (
	// Config marks a fatal startup misconfiguration. Never expected during
	// steady state; surfaced with a non-zero exit code.
	Config = errors.New("config error")

	// Transient marks a retryable I/O failure (MQ, network, filesystem).
	Transient = errors.New("transient I/O error")

	// StoreBusy marks a SQLite busy/locked condition, retried up to a
	// deadline before being surfaced as a batch failure.
	StoreBusy = errors.New("store busy")

	// Poison marks a record that failed schema validation or decoding.
	// Routed to the dead-letter queue and never retried in-band.
	Poison = errors.New("poison message")

	// HostTimeout marks an abandoned read against an IDE-owned database,
	// logged at warn without marking the owning session failed.
	HostTimeout = errors.New("host read timeout")

	// Corruption marks a fatal condition in the embedded store requiring
	// operator intervention.
	Corruption = errors.New("store corruption")
)

// Kind returns a human-readable label for the most specific sentinel
// wrapped by err, or "unknown" if err doesn't wrap one of ours.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, Config):
		return "config"
	case errors.Is(err, Transient):
		return "transient"
	case errors.Is(err, StoreBusy):
		return "store_busy"
	case errors.Is(err, Poison):
		return "poison"
	case errors.Is(err, HostTimeout):
		return "host_timeout"
	case errors.Is(err, Corruption):
		return "corruption"
	default:
		return "unknown"
	}
}
