package observe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ClientInfo 是单个已注册连接的只读快照
type ClientInfo struct {
	ID            string    `json:"id"`
	IpPort        string    `json:"ip_port"`
	IdentityID    string    `json:"identity_id,omitempty"`
	Role          string    `json:"role,omitempty"`
	Channel       int       `json:"channel"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActive    time.Time `json:"last_active"`
	Pending       int64     `json:"pending"`
}

// ClientLister is implemented by *transport.Server.
type ClientLister interface {
	ClientInfos() []ClientInfo
}

// Router 返回管理端 HTTP 路由：/healthz、/metrics、/clients
func Router(lister ClientLister) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/clients", func(w http.ResponseWriter, r *http.Request) {
		infos := []ClientInfo{}
		if lister != nil {
			infos = append(infos, lister.ClientInfos()...)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(infos)
	})
	r.Get("/clients/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if lister != nil {
			for _, info := range lister.ClientInfos() {
				if info.ID == id || info.IdentityID == id {
					w.Header().Set("Content-Type", "application/json")
					_ = json.NewEncoder(w).Encode(info)
					return
				}
			}
		}
		http.NotFound(w, r)
	})
	return r
}

// StartHTTP 阻塞运行管理端 HTTP 服务
func StartHTTP(addr string, lister ClientLister) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Router(lister),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
