package api

import (
	"net/http"
	hpprof "net/http/pprof"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof exposes the runtime profiles. Only mounted when server.debug is set.
func mountPprof(mux *http.ServeMux) {
	mux.HandleFunc("GET "+pprofPrefix, hpprof.Index)
	mux.HandleFunc("GET "+pprofPrefix+"cmdline", hpprof.Cmdline)
	mux.HandleFunc("GET "+pprofPrefix+"profile", hpprof.Profile)
	mux.HandleFunc("GET "+pprofPrefix+"symbol", hpprof.Symbol)
	mux.HandleFunc("POST "+pprofPrefix+"symbol", hpprof.Symbol)
	mux.HandleFunc("GET "+pprofPrefix+"trace", hpprof.Trace)
}
