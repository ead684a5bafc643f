package operators

import (
	"context"
	"encoding/json"

	"github.com/rendis/actseq/internal/resilience"
	"github.com/rendis/actseq/pkg/schema"
)

// Fetcher loads every record of a source. Implementations may block on I/O.
// Without one, fetch_getAll reads the store collection named by source.
type Fetcher interface {
	FetchAll(ctx context.Context, source string) ([]any, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, source string) ([]any, error)

func (f FetcherFunc) FetchAll(ctx context.Context, source string) ([]any, error) {
	return f(ctx, source)
}

// StoreFetcher reads a whole collection from the store as a list ordered by id.
type StoreFetcher struct {
	Store interface {
		Get(name, id string) (any, error)
	}
}

func (f StoreFetcher) FetchAll(ctx context.Context, source string) ([]any, error) {
	raw, err := f.Store.Get(source, "")
	if err != nil {
		return nil, err
	}
	entries, _ := raw.(map[string]any)
	out := make([]any, 0, len(entries))
	for _, id := range schema.SortedKeys(entries) {
		out = append(out, entries[id])
	}
	return out, nil
}

type fetchGetAll struct {
	fetcher  Fetcher
	breakers *resilience.CircuitBreakerRegistry
}

func (fetchGetAll) Name() string { return OpFetchGetAll }

func (fetchGetAll) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Fetch every record of a source asynchronously; the execution suspends until the fetch completes",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["source"],
			"properties": {
				"source": {"type": "string", "minLength": 1},
				"retry": {
					"type": "object",
					"properties": {
						"max": {"type": "integer", "minimum": 0},
						"backoff": {"type": "string", "enum": ["none", "constant", "linear", "exponential"]},
						"delay": {"type": "string"},
						"max_delay": {"type": "string"}
					},
					"additionalProperties": false
				}
			}
		}`),
	}
}

func (f fetchGetAll) Invoke(ctx context.Context, call *Call) (any, error) {
	source, err := call.String("source")
	if err != nil {
		return nil, err
	}
	var policy *resilience.RetryPolicy
	if _, ok := call.Value("retry"); ok {
		policy = &resilience.RetryPolicy{}
		if err := call.Decode("retry", policy); err != nil {
			return nil, err
		}
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}

	fetcher := f.fetcher
	if fetcher == nil {
		fetcher = StoreFetcher{Store: call.Store}
	}

	return &Suspension{
		Source: source,
		Await: func(ctx context.Context) (any, error) {
			var out []any
			err := resilience.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
				if f.breakers != nil {
					if err := f.breakers.AllowRequest(source); err != nil {
						return err
					}
				}
				records, err := fetcher.FetchAll(ctx, source)
				if err != nil {
					if f.breakers != nil {
						f.breakers.RecordFailure(source)
					}
					return err
				}
				if f.breakers != nil {
					f.breakers.RecordSuccess(source)
				}
				out = records
				return nil
			})
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	}, nil
}
