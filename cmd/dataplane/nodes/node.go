// Package nodes implements the operator algebra of the data plane: every
// vertex type a flow can declare, behind a single registry keyed by the
// designer's type strings.
package nodes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/maxdp/dataplane/cmd/dataplane/condition"
	"github.com/maxdp/dataplane/cmd/dataplane/rowexpr"
	"github.com/maxdp/dataplane/cmd/dataplane/table"
	"github.com/maxdp/dataplane/common/cache"
	"github.com/maxdp/dataplane/common/logger"
)

// Node is one invokable vertex. Implementations are stateless after
// construction; all per-request state arrives through Inputs and ExecState.
type Node interface {
	ID() string
	Type() string
	Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error)
}

// Inputs is an insertion-ordered map of handle name to upstream output.
// Order matters: binary operators take "the first two tables" in edge
// declaration order.
type Inputs struct {
	keys   []string
	values map[string]any
}

// NewInputs creates an empty input map
func NewInputs() *Inputs {
	return &Inputs{values: make(map[string]any)}
}

// Set stores a value under a handle, keeping first-insertion order
func (in *Inputs) Set(key string, value any) {
	if _, exists := in.values[key]; !exists {
		in.keys = append(in.keys, key)
	}
	in.values[key] = value
}

// SetIfAbsent stores a value only when the handle is unbound
func (in *Inputs) SetIfAbsent(key string, value any) {
	if _, exists := in.values[key]; !exists {
		in.Set(key, value)
	}
}

// Get returns the value bound to a handle
func (in *Inputs) Get(key string) (any, bool) {
	v, ok := in.values[key]
	return v, ok
}

// Keys returns handle names in insertion order
func (in *Inputs) Keys() []string {
	return in.keys
}

// Len returns the number of bound handles
func (in *Inputs) Len() int {
	return len(in.keys)
}

// Tables returns every table-valued input in insertion order
func (in *Inputs) Tables() []*table.Table {
	var out []*table.Table
	for _, k := range in.keys {
		if t, ok := in.values[k].(*table.Table); ok && t != nil {
			out = append(out, t)
		}
	}
	return out
}

// FirstTable returns the first table-valued input, or an error when the
// node received none.
func (in *Inputs) FirstTable() (*table.Table, error) {
	for _, k := range in.keys {
		if t, ok := in.values[k].(*table.Table); ok && t != nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no table input available")
}

// Querier is the request-scoped database handle used by SQL-backed nodes.
// *pgxpool.Pool satisfies it. Never cached inside executors.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TableAuthorizer guards table reads and writes
type TableAuthorizer interface {
	CanRead(ctx context.Context, userCtx map[string]any, schema, tableName string) error
	CanWrite(ctx context.Context, userCtx map[string]any, schema, tableName string) error
}

// AllowAll is the default authorizer used when no policy collaborator is
// configured.
type AllowAll struct{}

func (AllowAll) CanRead(context.Context, map[string]any, string, string) error  { return nil }
func (AllowAll) CanWrite(context.Context, map[string]any, string, string) error { return nil }

// Mailer sends notification emails
type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one outbound notification email. Delivery settings ride
// along because each send_notification node carries its own SMTP account.
type EmailMessage struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Subject  string
	Body     string
}

// Deps carries the collaborators a node may touch during invoke. Built
// per request by the dispatch layer.
type Deps struct {
	DB         Querier
	HTTPClient *http.Client
	FileCache  cache.Cache
	Mailer     Mailer
	Authorizer TableAuthorizer
	Conditions *condition.Evaluator
	Exprs      *rowexpr.Compiler
	Log        *logger.Logger
}

// ExecState is the per-invocation view a node receives: identity of the
// run, the caller's context, flow-global variables, and collaborators.
type ExecState struct {
	FlowID          string
	ExecutionID     string
	UserContext     map[string]any
	GlobalVariables map[string]any
	Deps            *Deps
}

// Log returns a logger scoped to the execution, falling back to a no-op
// discard logger when deps carry none.
func (ec *ExecState) Log() *logger.Logger {
	if ec.Deps != nil && ec.Deps.Log != nil {
		return ec.Deps.Log
	}
	return logger.New("error", "json")
}

// base carries the identity shared by every node implementation
type base struct {
	id       string
	nodeType string
	config   map[string]any
}

func (b *base) ID() string   { return b.id }
func (b *base) Type() string { return b.nodeType }

func newBase(id, nodeType string, cfg map[string]any) base {
	if cfg == nil {
		cfg = map[string]any{}
	}
	return base{id: id, nodeType: nodeType, config: cfg}
}
