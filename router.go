package modforge

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golobby/cast"
)

// EventFactory constructs an empty event of a given kind, ready for the
// router to fill in from an action's parameter template. Factories must
// return a pointer so properties can be assigned.
type EventFactory func() Event

// EventFactoryRegistry maps event ids to factories. The router resolves
// action target events here instead of constructing delegates from type
// names at runtime: event kinds are a closed, extensibly-registered set.
type EventFactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]EventFactory
}

// NewEventFactoryRegistry creates an empty registry.
func NewEventFactoryRegistry() *EventFactoryRegistry {
	return &EventFactoryRegistry{factories: make(map[string]EventFactory)}
}

// Register binds an event id to a factory, replacing any previous binding.
func (r *EventFactoryRegistry) Register(eventID string, factory EventFactory) error {
	if eventID == "" {
		return ErrEventIDEmpty
	}
	if factory == nil {
		return ErrFactoryNil
	}
	r.mu.Lock()
	r.factories[eventID] = factory
	r.mu.Unlock()
	return nil
}

// Resolve returns the factory for an event id.
func (r *EventFactoryRegistry) Resolve(eventID string) (EventFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventFactoryNotFound, eventID)
	}
	return factory, nil
}

// ConditionConfig is one predicate on the triggering event. Property is a
// dotted path ("Stats.Health"); all of a route's conditions must hold.
type ConditionConfig struct {
	Property string `json:"property" yaml:"property"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// ActionConfig publishes a target event when its route fires. Params values
// of the form "${path}" are resolved against the triggering event; other
// values pass through literally. DelayMS is waited out before the publish.
type ActionConfig struct {
	TargetEvent string         `json:"target_event" yaml:"target_event"`
	Params      map[string]any `json:"params" yaml:"params"`
	DelayMS     int            `json:"delay_ms" yaml:"delay_ms"`
}

// RouteConfig is one declarative event→event rule.
type RouteConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Enabled     *bool             `json:"enabled" yaml:"enabled"` // nil means enabled
	SourceEvent string            `json:"source_event" yaml:"source_event"`
	Priority    int               `json:"priority" yaml:"priority"`
	Conditions  []ConditionConfig `json:"conditions" yaml:"conditions"`
	Actions     []ActionConfig    `json:"actions" yaml:"actions"`
}

func (r *RouteConfig) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RouterConfig is the full declarative routing table.
type RouterConfig struct {
	// MaxConcurrency bounds how many actions execute at once. Defaults to 4.
	MaxConcurrency int           `json:"max_concurrency" yaml:"max_concurrency"`
	Routes         []RouteConfig `json:"routes" yaml:"routes"`
}

type routerTask struct {
	route  *RouteConfig
	action *ActionConfig
	source Event
}

// CommunicationRouter wires declarative event→event routes into the bus.
//
// On construction it groups routes by source event id (descending priority)
// and subscribes once per distinct source id. When a source event arrives,
// each route's conditions are evaluated; firing routes enqueue their actions
// — in priority order, then declared order — onto a bounded worker pool, so
// action start order follows route priority while execution remains
// concurrent up to MaxConcurrency. One action's failure is logged and never
// prevents other actions or routes from executing.
type CommunicationRouter struct {
	bus       *EventBus
	factories *EventFactoryRegistry
	logger    Logger

	routesBySource map[string][]*RouteConfig

	tasks   chan routerTask
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewCommunicationRouter validates the configuration, subscribes to every
// distinct source event id and starts the action workers. Configuration
// errors propagate and abort startup: they indicate a host misconfiguration,
// not a bad mod.
func NewCommunicationRouter(config RouterConfig, bus *EventBus, factories *EventFactoryRegistry, logger Logger) (*CommunicationRouter, error) {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}

	router := &CommunicationRouter{
		bus:            bus,
		factories:      factories,
		logger:         logger,
		routesBySource: make(map[string][]*RouteConfig),
		tasks:          make(chan routerTask, config.MaxConcurrency*16),
	}

	for i := range config.Routes {
		route := &config.Routes[i]
		if route.SourceEvent == "" {
			return nil, fmt.Errorf("%w: route %q has no source_event", ErrRouteConfigInvalid, route.Name)
		}
		for _, cond := range route.Conditions {
			if _, err := comparator(cond.Operator); err != nil {
				return nil, fmt.Errorf("%w: route %q condition on %q: %v",
					ErrRouteConfigInvalid, route.Name, cond.Property, err)
			}
		}
		for _, action := range route.Actions {
			if action.TargetEvent == "" {
				return nil, fmt.Errorf("%w: route %q action has no target_event", ErrRouteConfigInvalid, route.Name)
			}
		}
		if !route.enabled() {
			continue
		}
		router.routesBySource[route.SourceEvent] = append(router.routesBySource[route.SourceEvent], route)
	}

	for _, routes := range router.routesBySource {
		sort.SliceStable(routes, func(i, j int) bool {
			return routes[i].Priority > routes[j].Priority
		})
	}

	for i := 0; i < config.MaxConcurrency; i++ {
		router.wg.Add(1)
		go router.worker()
	}

	for sourceEvent := range router.routesBySource {
		if _, err := bus.Subscribe(sourceEvent, router, router.onSourceEvent); err != nil {
			router.Stop()
			return nil, fmt.Errorf("failed to subscribe router to %s: %w", sourceEvent, err)
		}
	}

	return router, nil
}

// Stop detaches the router from the bus and drains the workers.
func (r *CommunicationRouter) Stop() {
	r.stopped.Do(func() {
		r.bus.UnsubscribeOwner(r)
		close(r.tasks)
		r.wg.Wait()
	})
}

// RouteCount returns how many enabled routes the router carries.
func (r *CommunicationRouter) RouteCount() int {
	count := 0
	for _, routes := range r.routesBySource {
		count += len(routes)
	}
	return count
}

// Routes returns the enabled routes grouped by source event id, for
// diagnostics.
func (r *CommunicationRouter) Routes() map[string][]RouteConfig {
	out := make(map[string][]RouteConfig, len(r.routesBySource))
	for source, routes := range r.routesBySource {
		for _, route := range routes {
			out[source] = append(out[source], *route)
		}
	}
	return out
}

func (r *CommunicationRouter) onSourceEvent(event Event) error {
	routes := r.routesBySource[event.EventID()]
	for _, route := range routes {
		if !r.conditionsHold(route, event) {
			continue
		}
		for i := range route.Actions {
			r.tasks <- routerTask{route: route, action: &route.Actions[i], source: event}
		}
	}
	return nil
}

func (r *CommunicationRouter) conditionsHold(route *RouteConfig, event Event) bool {
	for _, cond := range route.Conditions {
		value, err := lookupPath(event, cond.Property)
		if err != nil {
			r.logger.Debug("Route condition property not found",
				"route", route.Name, "property", cond.Property, "error", err)
			return false
		}
		compare, err := comparator(cond.Operator)
		if err != nil {
			// Validated at construction; only reachable for routes mutated
			// after construction.
			r.logger.Error("Route condition has unknown operator", "route", route.Name, "operator", cond.Operator)
			return false
		}
		if !compare(value, cond.Value) {
			return false
		}
	}
	return true
}

func (r *CommunicationRouter) worker() {
	defer r.wg.Done()
	for task := range r.tasks {
		r.executeAction(task)
	}
}

func (r *CommunicationRouter) executeAction(task routerTask) {
	if task.action.DelayMS > 0 {
		time.Sleep(time.Duration(task.action.DelayMS) * time.Millisecond)
	}

	factory, err := r.factories.Resolve(task.action.TargetEvent)
	if err != nil {
		r.logger.Error("Route action target event not registered",
			"route", task.route.Name, "targetEvent", task.action.TargetEvent, "error", err)
		return
	}

	target := factory()
	if base, ok := target.(interface{ setIdentity(string, string) }); ok {
		base.setIdentity(task.action.TargetEvent, task.source.SenderID())
	}

	for name, raw := range task.action.Params {
		value := raw
		if path, isTemplate := templatePath(raw); isTemplate {
			resolved, err := lookupPath(task.source, path)
			if err != nil {
				r.logger.Error("Route action template did not resolve",
					"route", task.route.Name, "param", name, "path", path, "error", err)
				continue
			}
			value = resolved
		}
		if err := assignProperty(target, name, value); err != nil {
			r.logger.Error("Route action property assignment failed",
				"route", task.route.Name, "targetEvent", task.action.TargetEvent,
				"param", name, "error", err)
		}
	}

	if err := r.bus.Publish(target); err != nil {
		r.logger.Error("Route action publish failed",
			"route", task.route.Name, "targetEvent", task.action.TargetEvent, "error", err)
	}
}

// templatePath extracts the dotted path from a "${path}" parameter value.
func templatePath(raw any) (string, bool) {
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return s[2 : len(s)-1], true
	}
	return "", false
}

// lookupPath resolves a dotted property path against an event instance,
// traversing exported struct fields and string-keyed maps.
func lookupPath(root any, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("empty property path")
	}

	current := reflect.ValueOf(root)
	for _, segment := range strings.Split(path, ".") {
		for current.Kind() == reflect.Pointer || current.Kind() == reflect.Interface {
			if current.IsNil() {
				return nil, fmt.Errorf("nil value at %q in path %q", segment, path)
			}
			current = current.Elem()
		}

		switch current.Kind() {
		case reflect.Struct:
			field := current.FieldByName(segment)
			if !field.IsValid() {
				return nil, fmt.Errorf("no field %q in path %q", segment, path)
			}
			current = field
		case reflect.Map:
			if current.Type().Key().Kind() != reflect.String {
				return nil, fmt.Errorf("non-string map key at %q in path %q", segment, path)
			}
			value := current.MapIndex(reflect.ValueOf(segment))
			if !value.IsValid() {
				return nil, fmt.Errorf("no key %q in path %q", segment, path)
			}
			current = value
		default:
			return nil, fmt.Errorf("cannot descend into %s at %q in path %q", current.Kind(), segment, path)
		}
	}

	if !current.CanInterface() {
		return nil, fmt.Errorf("path %q resolves to an unexported value", path)
	}
	return current.Interface(), nil
}

// assignProperty sets an exported field on a pointer-to-struct event,
// coercing the value to the field type when direct assignment is not
// possible.
func assignProperty(target Event, name string, value any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target event %T is not a pointer to struct", target)
	}

	field := v.Elem().FieldByName(name)
	if !field.IsValid() || !field.CanSet() {
		return fmt.Errorf("no settable field %q on %T", name, target)
	}

	valueOf := reflect.ValueOf(value)
	if value != nil && valueOf.Type().AssignableTo(field.Type()) {
		field.Set(valueOf)
		return nil
	}
	if value != nil && valueOf.Type().ConvertibleTo(field.Type()) {
		field.Set(valueOf.Convert(field.Type()))
		return nil
	}

	converted, err := cast.FromType(fmt.Sprintf("%v", value), field.Type())
	if err != nil {
		return fmt.Errorf("cannot coerce %v to %s: %w", value, field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}

// comparator maps an operator name to its predicate.
func comparator(operator string) (func(actual, expected any) bool, error) {
	switch strings.ToLower(operator) {
	case "eq", "==", "equals", "":
		return func(a, e any) bool { return compareValues(a, e) == 0 }, nil
	case "ne", "!=":
		return func(a, e any) bool { return compareValues(a, e) != 0 }, nil
	case "gt", ">":
		return func(a, e any) bool { return compareValues(a, e) > 0 }, nil
	case "gte", ">=":
		return func(a, e any) bool { return compareValues(a, e) >= 0 }, nil
	case "lt", "<":
		return func(a, e any) bool { return compareValues(a, e) < 0 }, nil
	case "lte", "<=":
		return func(a, e any) bool { return compareValues(a, e) <= 0 }, nil
	case "contains":
		return func(a, e any) bool { return strings.Contains(asString(a), asString(e)) }, nil
	case "startswith":
		return func(a, e any) bool { return strings.HasPrefix(asString(a), asString(e)) }, nil
	case "endswith":
		return func(a, e any) bool { return strings.HasSuffix(asString(a), asString(e)) }, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, operator)
	}
}

// compareValues orders two values numerically when both convert to float64,
// falling back to string comparison.
func compareValues(actual, expected any) int {
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if aok && eok {
		switch {
		case af < ef:
			return -1
		case af > ef:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(asString(actual), asString(expected))
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func asString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
