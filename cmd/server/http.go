package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridworld.ai/internal/protocol"
)

func newMux(rt *runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(newRegistry(rt), promhttp.HandlerOpts{}))

	mux.HandleFunc("/v1/observe/bootstrap", rt.hub.BootstrapHandler())
	mux.HandleFunc("/v1/observe/ws", rt.hub.WSHandler())

	if rt.index != nil {
		mux.HandleFunc("GET /v1/index/steps", func(rw http.ResponseWriter, r *http.Request) {
			since, err := queryUint(r, "since", 0)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			limit, err := queryUint(r, "limit", 1000)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			rows, err := rt.index.StepsSince(r.Context(), since, int(min(limit, 10000)))
			writeResult(rw, rows, err)
		})
		mux.HandleFunc("GET /v1/index/agents/{id}/pickups", func(rw http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
			if err != nil {
				http.Error(rw, "bad agent id", http.StatusBadRequest)
				return
			}
			rows, err := rt.index.PickupsByAgent(r.Context(), id)
			writeResult(rw, rows, err)
		})
	}

	mux.HandleFunc("POST /admin/v1/snapshot", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		path, err := rt.writeSnapshot()
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path, "tick": rt.lastSnapshotTick.Load()})
	}))
	mux.HandleFunc("PUT /admin/v1/clients/{id}/permissions", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(rw, "bad client id", http.StatusBadRequest)
			return
		}
		var p protocol.Permissions
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4096)).Decode(&p); err != nil {
			http.Error(rw, "bad permissions: "+err.Error(), http.StatusBadRequest)
			return
		}
		if !rt.tcp.SetPermissions(id, p) {
			http.Error(rw, "unknown client", http.StatusNotFound)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
	}))
	return mux
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func writeResult(rw http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, v)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
