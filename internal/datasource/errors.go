package datasource

import (
	"errors"

	"dataplane/internal/breaker"
)

// Errors surfaced by Manager.Fetch. Callers branch on them with errors.Is.
var (
	// ErrSourceDisabled means configuration says not to call the source. Never retried here.
	ErrSourceDisabled = errors.New("source disabled")

	// ErrNoDataAvailable means real data is switched off and mock data is not enabled.
	ErrNoDataAvailable = errors.New("no data available")

	// ErrUnknownSource means no executor is configured for the source.
	ErrUnknownSource = errors.New("unknown source")

	// ErrConnection wraps transport-level failures from an executor.
	ErrConnection = errors.New("connection error")

	// ErrInvalidQuery means the executor rejected the query before calling the
	// source. It never counts against the breaker.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrDataValidation means the source answered with a payload of the wrong shape.
	ErrDataValidation = errors.New("data validation error")

	// ErrEmptyResult may be returned by executors that found nothing.
	// Fetch never surfaces it: the caller gets an empty payload instead.
	ErrEmptyResult = errors.New("empty result")

	// ErrCircuitOpen means the source is isolated after recent failures.
	ErrCircuitOpen = breaker.ErrCircuitOpen
)
