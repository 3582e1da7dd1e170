package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hongjun500/signal/internal/observe"
	"github.com/hongjun500/signal/internal/protocol"
	"github.com/hongjun500/signal/internal/transport"
)

type Level int

const (
	LevelUser Level = iota
	LevelAdmin
)

// RoleAdmin 是允许调用管理级路由的角色
const RoleAdmin = "admin"

type HandlerFunc func(req *transport.Request) *transport.Response

type Route struct {
	Tag      string
	Aliases  []string
	Help     string
	MinLevel Level
	Handler  HandlerFunc
}

// Router 按请求头 tag 分发 RPC 请求，Handle 可直接作为 transport.RequestHandler
type Router struct {
	mu    sync.RWMutex
	byTag map[string]*Route
	list  []*Route
}

func New() *Router {
	return &Router{
		byTag: make(map[string]*Route),
		list:  make([]*Route, 0),
	}
}

func normalize(tag string) string { return strings.ToLower(strings.TrimSpace(tag)) }

func (r *Router) Register(route *Route) error {
	if route == nil {
		return errors.New("route is nil")
	}
	if route.Handler == nil {
		return fmt.Errorf("route %s has no handler", route.Tag)
	}
	tag := normalize(route.Tag)
	if tag == "" {
		return errors.New("route tag is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byTag[tag]; exists {
		return fmt.Errorf("route %s already registered", tag)
	}
	keys := []string{tag}
	for _, item := range route.Aliases {
		alias := normalize(item)
		if alias == "" {
			continue
		}
		if _, exists := r.byTag[alias]; exists {
			return fmt.Errorf("route alias %s already registered", alias)
		}
		keys = append(keys, alias)
	}
	for _, k := range keys {
		r.byTag[k] = route
	}
	r.list = append(r.list, route)
	return nil
}

func (r *Router) Get(tag string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.byTag[normalize(tag)]
	return route, ok
}

func (r *Router) List() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Route, len(r.list))
	copy(out, r.list)
	return out
}

// Handle 查找路由、检查权限并执行
func (r *Router) Handle(req *transport.Request) *transport.Response {
	tag := req.Tag()
	route, ok := r.Get(tag)
	if !ok {
		observe.IncRoute("unknown", protocol.StatusNotFound.String())
		return transport.NotFound("route " + tag + " not found")
	}
	if !checkPermission(req.Client, route.MinLevel) {
		observe.IncRoute(route.Tag, protocol.StatusUnauthorize.String())
		return transport.Unauthorize("permission denied")
	}
	resp := route.Handler(req)
	if resp == nil {
		resp = transport.NewResponse(protocol.StatusNullValue, nil)
	}
	observe.IncRoute(route.Tag, resp.StatusCode.String())
	return resp
}

func checkPermission(c *transport.ClientContext, need Level) bool {
	// 客户端角色收到的请求来自服务端，不做限制
	if c == nil || need <= LevelUser {
		return true
	}
	return c.Role() == RoleAdmin
}
