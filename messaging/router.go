package messaging

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/courier-go/contracts"
)

// RouteRule customizes envelopes whose message type matches
type RouteRule struct {
	Match     func(messageType string) bool
	Customize func(env *contracts.Envelope)
}

// MatchType returns a predicate for RouteRule and subscriptions. Patterns
// are an exact type name, a prefix ending in ".*", or "*" for everything.
func MatchType(pattern string) func(string) bool {
	return func(messageType string) bool {
		return matchesPattern(pattern, messageType)
	}
}

func matchesPattern(pattern, name string) bool {
	switch {
	case pattern == "*" || pattern == "":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == name
	}
}

type subscription struct {
	pattern  string
	endpoint *Endpoint
}

// Router resolves the endpoints an envelope goes to. Resolutions are cached
// per router and rules are published as an immutable snapshot, so sends
// never take the router lock once routes are warm.
type Router struct {
	mu            sync.RWMutex
	byName        map[string]*Endpoint
	byURI         map[string]*Endpoint
	order         []*Endpoint
	subscriptions []subscription
	topicSubs     []subscription
	rules         atomic.Pointer[[]RouteRule]

	routes       *RouteCache[string, []*Endpoint]
	topics       *RouteCache[string, []*Endpoint]
	destinations *RouteCache[string, *Endpoint]
	now          func() time.Time
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithRouteCacheCapacity bounds the resolution caches
func WithRouteCacheCapacity(n int) RouterOption {
	return func(r *Router) {
		r.routes = NewRouteCache[string, []*Endpoint](n)
		r.topics = NewRouteCache[string, []*Endpoint](n)
		r.destinations = NewRouteCache[string, *Endpoint](n)
	}
}

// WithRouterClock overrides the clock used for expiry and scheduling
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates an empty router
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		byName:       make(map[string]*Endpoint),
		byURI:        make(map[string]*Endpoint),
		routes:       NewRouteCache[string, []*Endpoint](0),
		topics:       NewRouteCache[string, []*Endpoint](0),
		destinations: NewRouteCache[string, *Endpoint](0),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddEndpoint registers an endpoint. Registering the same URI twice returns
// the first registration.
func (r *Router) AddEndpoint(ep *Endpoint) (*Endpoint, error) {
	if ep == nil || ep.URI == "" {
		return nil, fmt.Errorf("endpoint requires a uri")
	}
	if _, _, err := SplitURI(ep.URI); err != nil {
		return nil, err
	}
	ep.URI = NormalizeURI(ep.URI)

	r.mu.Lock()
	if existing, ok := r.byURI[ep.URI]; ok {
		if ep.Name != "" && existing.Name == "" {
			existing.Name = ep.Name
			r.byName[ep.Name] = existing
		}
		r.mu.Unlock()
		return existing, nil
	}
	if ep.Name != "" {
		if _, dup := r.byName[ep.Name]; dup {
			r.mu.Unlock()
			return nil, fmt.Errorf("endpoint name %q already registered", ep.Name)
		}
		r.byName[ep.Name] = ep
	}
	r.byURI[ep.URI] = ep
	r.order = append(r.order, ep)
	r.mu.Unlock()

	r.invalidate()
	return ep, nil
}

// Subscribe routes message types matching pattern to ep
func (r *Router) Subscribe(pattern string, ep *Endpoint) error {
	ep, err := r.AddEndpoint(ep)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subscriptions = append(r.subscriptions, subscription{pattern: pattern, endpoint: ep})
	r.mu.Unlock()

	r.invalidate()
	return nil
}

// RouteTopic routes topics matching pattern to ep
func (r *Router) RouteTopic(pattern string, ep *Endpoint) error {
	ep, err := r.AddEndpoint(ep)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.topicSubs = append(r.topicSubs, subscription{pattern: pattern, endpoint: ep})
	r.mu.Unlock()

	r.invalidate()
	return nil
}

// AddRule registers a message type customization. Rules apply in
// registration order.
func (r *Router) AddRule(rule RouteRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next []RouteRule
	if current := r.rules.Load(); current != nil {
		next = append(next, *current...)
	}
	next = append(next, rule)
	r.rules.Store(&next)
}

func (r *Router) ruleSnapshot() []RouteRule {
	if rules := r.rules.Load(); rules != nil {
		return *rules
	}
	return nil
}

// Endpoint returns the endpoint registered under name
func (r *Router) Endpoint(name string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byName[name]
	if !ok {
		return nil, &contracts.UnknownEndpointError{Name: name}
	}
	return ep, nil
}

// EndpointForURI returns the registered endpoint for uri or a buffered
// endpoint built on the fly
func (r *Router) EndpointForURI(uri string) (*Endpoint, error) {
	uri = NormalizeURI(uri)
	return r.destinations.GetOrCompute(uri, func(uri string) (*Endpoint, error) {
		r.mu.RLock()
		ep, ok := r.byURI[uri]
		r.mu.RUnlock()
		if ok {
			return ep, nil
		}
		if _, _, err := SplitURI(uri); err != nil {
			return nil, err
		}
		return &Endpoint{URI: uri, Mode: ModeBuffered}, nil
	})
}

// Endpoints returns registered endpoints in registration order
func (r *Router) Endpoints() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Endpoint(nil), r.order...)
}

// RoutesFor returns the subscribed endpoints for messageType
func (r *Router) RoutesFor(messageType string) []*Endpoint {
	routes, _ := r.routes.GetOrCompute(messageType, func(messageType string) ([]*Endpoint, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return collect(r.subscriptions, messageType), nil
	})
	return routes
}

// TopicRoutes returns the endpoints routed for topic
func (r *Router) TopicRoutes(topic string) []*Endpoint {
	routes, _ := r.topics.GetOrCompute(topic, func(topic string) ([]*Endpoint, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return collect(r.topicSubs, topic), nil
	})
	return routes
}

func collect(subs []subscription, name string) []*Endpoint {
	var out []*Endpoint
	seen := make(map[string]bool)
	for _, s := range subs {
		if matchesPattern(s.pattern, name) && !seen[s.endpoint.URI] {
			seen[s.endpoint.URI] = true
			out = append(out, s.endpoint)
		}
	}
	return out
}

// Route expands base into one envelope per destination. Explicit options
// win over type rules, which win over endpoint defaults.
func (r *Router) Route(base *contracts.Envelope, opts *DeliveryOptions) ([]*contracts.Envelope, error) {
	if opts == nil {
		opts = &DeliveryOptions{}
	}

	var endpoints []*Endpoint
	switch {
	case opts.Destination != "":
		ep, err := r.EndpointForURI(opts.Destination)
		if err != nil {
			return nil, err
		}
		endpoints = []*Endpoint{ep}
	case opts.EndpointName != "":
		ep, err := r.Endpoint(opts.EndpointName)
		if err != nil {
			return nil, err
		}
		endpoints = []*Endpoint{ep}
	case opts.TopicName != "" || base.TopicName != "":
		topic := opts.TopicName
		if topic == "" {
			topic = base.TopicName
		}
		endpoints = r.TopicRoutes(topic)
	default:
		endpoints = r.RoutesFor(base.MessageType)
	}

	if len(endpoints) == 0 {
		return nil, &contracts.NoRoutesError{MessageType: base.MessageType}
	}

	rules := r.ruleSnapshot()
	now := r.now()
	out := make([]*contracts.Envelope, 0, len(endpoints))
	for i, ep := range endpoints {
		env := base.Clone()
		if i > 0 {
			env.ID = uuid.New().String()
		}
		env.Destination = ep.URI
		env.Durable = ep.Mode == ModeDurable

		if ep.Customize != nil {
			ep.Customize(env)
		}
		for _, rule := range rules {
			if rule.Match != nil && rule.Match(env.MessageType) && rule.Customize != nil {
				rule.Customize(env)
			}
		}
		opts.Override(env, now)
		out = append(out, env)
	}
	return out, nil
}

// invalidate must be called without r.mu held; cache computations take
// r.mu while holding the cache writer lock.
func (r *Router) invalidate() {
	r.routes.Reset()
	r.topics.Reset()
	r.destinations.Reset()
}
