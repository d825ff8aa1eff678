package container

import (
	"net/http"
	"time"

	"github.com/maxdp/dataplane/cmd/dataplane/condition"
	"github.com/maxdp/dataplane/cmd/dataplane/execlog"
	"github.com/maxdp/dataplane/cmd/dataplane/middleware"
	"github.com/maxdp/dataplane/cmd/dataplane/nodes"
	"github.com/maxdp/dataplane/cmd/dataplane/repository"
	"github.com/maxdp/dataplane/cmd/dataplane/rowexpr"
	"github.com/maxdp/dataplane/cmd/dataplane/worker"
	"github.com/maxdp/dataplane/common/bootstrap"
	"github.com/maxdp/dataplane/common/metrics"
	"github.com/maxdp/dataplane/common/ratelimit"
)

// Container holds all initialized collaborators (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	Store       repository.PublishedAPIStore
	Workers     *worker.Manager
	Deps        *nodes.Deps
	Audit       *execlog.Publisher
	Metrics     *metrics.Metrics
	RateLimiter *ratelimit.RateLimiter
	Auth        middleware.AuthProvider
}

// NewContainer initializes all collaborators once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	m := metrics.New()

	var store repository.PublishedAPIStore
	if components.DB != nil {
		store = repository.NewPostgresStore(components.DB)
	} else {
		store = repository.NewMemoryStore()
	}

	conditions, err := condition.NewEvaluator()
	if err != nil {
		return nil, err
	}

	deps := &nodes.Deps{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		FileCache:  components.Cache,
		Mailer:     nodes.SMTPSender{},
		Authorizer: nodes.AllowAll{},
		Conditions: conditions,
		Exprs:      rowexpr.NewCompiler(),
		Log:        components.Logger,
	}
	if components.DB != nil {
		deps.DB = components.DB.Pool
	}

	workers := worker.NewManager(components.Config.Worker, components.Logger, m)

	var audit *execlog.Publisher
	var limiter *ratelimit.RateLimiter
	if components.Redis != nil {
		audit = execlog.NewPublisher(components.Redis, components.Config.Redis.LogStream, components.Logger)
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger)
	}

	return &Container{
		Components:  components,
		Store:       store,
		Workers:     workers,
		Deps:        deps,
		Audit:       audit,
		Metrics:     m,
		RateLimiter: limiter,
		Auth:        &middleware.HeaderAuthProvider{AdminToken: components.Config.Auth.AdminToken},
	}, nil
}
