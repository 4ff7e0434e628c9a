package core

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

// Dispatcher performs one logical HTTP exchange. It never returns an error:
// transport failures are folded into the sentinel result.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.Request) types.DispatchResult
}

// ResultSink is the append-only store the recorder writes to.
type ResultSink interface {
	DropResults(ctx context.Context) error
	Ping(ctx context.Context) error
	EnsureResultsTable(ctx context.Context) error
	AppendRecords(ctx context.Context, records []types.ResultRecord) error
	Summarize(ctx context.Context) ([]types.OutcomeCount, error)
	Close() error
}

// DatasetSource makes payload files available and enumerates them.
type DatasetSource interface {
	Ensure(ctx context.Context) error
	Discover() ([]types.TestCase, error)
	Load(tc types.TestCase) ([]types.Payload, error)
}

type Telemetry interface {
	RecordDispatch(ctx context.Context, waf string, result types.DispatchResult)
	RecordProbeFailure(ctx context.Context, waf string, phase string)
	RecordFanOut(ctx context.Context, waf string, dataset string, payloads int)
	Close() error
}

// RunLock serializes comparison runs that share a results table. Release
// must be safe to call after the lock has expired.
type RunLock interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
	Close() error
}
