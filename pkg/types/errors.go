package types

import "github.com/projectdiscovery/utils/errkit"

// Error kinds classify failures across the cluster. Producers attach a
// kind when they raise; consumers branch with errkit.IsKind instead of
// matching message text.
var (
	// ErrKindConfig marks invalid or missing configuration. Fatal at
	// startup; the process exits non-zero.
	ErrKindConfig = errkit.NewPrimitiveErrKind(
		"config-error",
		"invalid configuration",
		nil,
	)

	// ErrKindStoreTransient marks a temporary coordination-store failure.
	// The surrounding loop logs, backs off and retries.
	ErrKindStoreTransient = errkit.NewPrimitiveErrKind(
		"store-transient",
		"coordination store temporarily unavailable",
		nil,
	)

	// ErrKindInvalidJob marks a submission that failed schema validation.
	// The message is dropped with a structured log.
	ErrKindInvalidJob = errkit.NewPrimitiveErrKind(
		"invalid-job",
		"job failed validation",
		nil,
	)

	// ErrKindInvalidURL is terminal for a job and produces a failure record.
	ErrKindInvalidURL = errkit.NewPrimitiveErrKind(
		"invalid-url",
		"job URL is not a valid absolute http/https URL",
		nil,
	)

	// ErrKindRequestFailed marks a transport-level failure (dial, TLS,
	// timeout, DNS). Terminal for the job; feeds negative signals into the
	// governor and the proxy manager.
	ErrKindRequestFailed = errkit.NewPrimitiveErrKind(
		"request-failed",
		"http request failed at transport level",
		nil,
	)

	// ErrKindUnknownParser is terminal for a job.
	ErrKindUnknownParser = errkit.NewPrimitiveErrKind(
		"unknown-parser",
		"no parser registered under that name",
		nil,
	)

	// ErrKindParser marks a parser that rejected a fetched body. Terminal
	// for the job.
	ErrKindParser = errkit.NewPrimitiveErrKind(
		"parser-error",
		"parser rejected the response body",
		nil,
	)
)
