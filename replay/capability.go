package replay

import "context"

// FilterParam is a single named, typed parameter composed into a CEL-like
// filter expression.
type FilterParam struct {
	Name  string
	Bytes []byte
	Uint  *uint64
}

// Filter is a CEL-like expression plus its named parameters. The engine
// composes a generated expression with the caller's via logical AND;
// parameter name collisions favor the caller's value.
type Filter struct {
	Expression string
	Params     []FilterParam
}

// PageRequest mirrors the list RPC's page{pageSize, pageToken, orderBy}.
type PageRequest struct {
	PageSize  int
	PageToken string
	OrderBy   string
}

// ListRequest is the generic request shape for listX(request) calls.
type ListRequest struct {
	Filter Filter
	Page   PageRequest
	View   AccountView // only meaningful for account list calls
}

// ListResponse is the generic listX response envelope.
type ListResponse struct {
	Items        []Item
	NextPageToken string
	TotalSize    int64
}

// StreamRequest is the generic streamX request shape.
type StreamRequest struct {
	Filter Filter
}

// BlockSource, TransactionSource, and EventSource are the per-kind
// external capability interfaces — transport collaborators the core only
// ever calls through, never constructs.
type BlockSource interface {
	ListBlocks(ctx context.Context, req ListRequest) (ListResponse, error)
	StreamBlocks(ctx context.Context, req StreamRequest) (LiveSource, error)
}

type TransactionSource interface {
	ListTransactions(ctx context.Context, req ListRequest) (ListResponse, error)
	StreamTransactions(ctx context.Context, req StreamRequest) (LiveSource, error)
}

type EventSource interface {
	ListEvents(ctx context.Context, req ListRequest) (ListResponse, error)
	StreamEvents(ctx context.Context, req StreamRequest) (LiveSource, error)
}

// AccountSource is the capability interface for account replay: a
// meta-only list, a full-fidelity point read, and an update stream.
type AccountSource interface {
	ListAccounts(ctx context.Context, req ListRequest) (ListResponse, error)
	GetAccount(ctx context.Context, address []byte, view AccountView) (AccountState, error)
	StreamAccountUpdates(ctx context.Context, req StreamRequest) (AccountUpdateSource, error)
}

// AccountUpdateSource is the streaming capability for account updates.
// Each Recv yields one flat AccountUpdate (a page chunk or a delete);
// snapshots, updates and block-finished markers are not distinguished.
type AccountUpdateSource interface {
	Recv(ctx context.Context) (AccountUpdate, error)
}

// CapabilityFactory produces a fresh capability handle on reconnect; when
// provided, the engine may swap its handles instead of reusing a possibly
// broken connection.
type CapabilityFactory[T any] func(ctx context.Context) (T, error)

// andFilter composes a generated filter expression with a user filter via
// logical AND, with the user's parameters taking precedence on name
// collision.
func andFilter(generated string, genParams []FilterParam, user Filter) Filter {
	expr := generated
	if user.Expression != "" {
		expr = "(" + generated + ") && (" + user.Expression + ")"
	}

	merged := make(map[string]FilterParam, len(genParams)+len(user.Params))
	var order []string
	for _, p := range genParams {
		if _, seen := merged[p.Name]; !seen {
			order = append(order, p.Name)
		}
		merged[p.Name] = p
	}
	for _, p := range user.Params {
		if _, seen := merged[p.Name]; !seen {
			order = append(order, p.Name)
		}
		merged[p.Name] = p // user-supplied values win on collision
	}

	out := make([]FilterParam, 0, len(order))
	for _, name := range order {
		out = append(out, merged[name])
	}
	return Filter{Expression: expr, Params: out}
}

func uintParam(name string, v uint64) FilterParam {
	return FilterParam{Name: name, Uint: &v}
}

func bytesParam(name string, v []byte) FilterParam {
	return FilterParam{Name: name, Bytes: v}
}
