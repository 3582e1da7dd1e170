package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/hongjun500/signal/internal/transport"
)

// IdentityAuthenticator is satisfied by *transport.Server.
type IdentityAuthenticator interface {
	IdentityAuthenticate(identityID string, client *transport.ClientContext) bool
}

// RegisterBuiltins 注册内置路由；auth 非 nil 时额外注册 identify
func RegisterBuiltins(r *Router, auth IdentityAuthenticator) error {
	builtins := []*Route{
		{
			Tag:  "ping",
			Help: "returns pong",
			Handler: func(*transport.Request) *transport.Response {
				return transport.Ok("pong")
			},
		},
		{
			Tag:  "echo",
			Help: "returns the request body unchanged",
			Handler: func(req *transport.Request) *transport.Response {
				return transport.Ok(req.Data)
			},
		},
		{
			Tag:     "time",
			Aliases: []string{"now"},
			Help:    "returns the local time in RFC 3339",
			Handler: func(*transport.Request) *transport.Response {
				return transport.Ok(time.Now().UTC().Format(time.RFC3339Nano))
			},
		},
		{
			Tag:  "routes",
			Help: "lists the registered routes",
			Handler: func(*transport.Request) *transport.Response {
				list := r.List()
				lines := make([]string, 0, len(list))
				for _, route := range list {
					aliases := ""
					if len(route.Aliases) > 0 {
						aliases = " (aliases: " + strings.Join(route.Aliases, ", ") + ")"
					}
					lines = append(lines, fmt.Sprintf("%s - %s%s", route.Tag, route.Help, aliases))
				}
				return transport.Ok(strings.Join(lines, "\n"))
			},
		},
		{
			Tag:  "whoami",
			Help: "describes the calling connection",
			Handler: func(req *transport.Request) *transport.Response {
				if req.Client == nil {
					return transport.Ok(req.IpPort)
				}
				id := req.Client.IdentityID()
				if id == "" {
					id = "-"
				}
				return transport.Ok(fmt.Sprintf("%s identity=%s role=%s", req.IpPort, id, req.Client.Role()))
			},
		},
	}
	if auth != nil {
		builtins = append(builtins, &Route{
			Tag:  "identify",
			Help: "claims the identity named in the body",
			Handler: func(req *transport.Request) *transport.Response {
				if req.Client == nil {
					return transport.Unsupported(nil)
				}
				var id string
				if err := req.Decode(&id); err != nil || strings.TrimSpace(id) == "" {
					return transport.BadRequest("identity id required")
				}
				if !auth.IdentityAuthenticate(strings.TrimSpace(id), req.Client) {
					return transport.Conflict("identity is held by another connection")
				}
				return transport.Authorize(nil)
			},
		})
	}
	for _, route := range builtins {
		if err := r.Register(route); err != nil {
			return err
		}
	}
	return nil
}
