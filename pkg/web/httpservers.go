package web

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/healthcheck"
	"github.com/atlassian/gocluster/pkg/serverset"
	"github.com/atlassian/gocluster/pkg/util"
)

const (
	// ParamEnableProf enables the profiling routes.
	ParamEnableProf = "enable-prof"
	// ParamEnableExpVar enables the expvar route.
	ParamEnableExpVar = "enable-expvar"
	// ParamShutdownTimeout is how long in-flight requests get to finish on shutdown.
	ParamShutdownTimeout = "shutdown-timeout"

	DefaultShutdownTimeout = 5 * time.Second
)

// SnapshotSource provides the membership reported by /members.
type SnapshotSource interface {
	Path() string
	Snapshot() serverset.Snapshot
}

// LeaderSource provides the leader reported by /leader.
type LeaderSource interface {
	Leader(ctx context.Context) (gocluster.ServiceInstance, bool, error)
}

// NodeSource provides the nodes reported by /nodes and /select.  nodes.NodePicker is one.
type NodeSource interface {
	List() []string
	Select(key string) (string, error)
}

// Sources are the components the admin server reports on.  Routes whose source is nil are not
// registered.
type Sources struct {
	Members      SnapshotSource
	Leader       LeaderSource
	Nodes        NodeSource
	Gatherer     prometheus.Gatherer
	HealthChecks []healthcheck.HealthcheckFunc
	DeepChecks   []healthcheck.HealthcheckFunc
}

// HttpServer is the admin web server of a cluster member.
type HttpServer struct {
	logger          logrus.FieldLogger
	address         string
	shutdownTimeout time.Duration
	Router          *mux.Router
}

type route struct {
	path    string
	handler http.HandlerFunc
	method  string
	name    string
}

// NewHttpServerFromViper creates the admin server listening on gocluster.ParamWebAddr.  The
// optional routes are configured in the "web" section.
func NewHttpServerFromViper(v *viper.Viper, logger logrus.FieldLogger, sources Sources) (*HttpServer, error) {
	vSub := util.GetSubViper(v, "web")
	vSub.SetDefault(ParamEnableProf, false)
	vSub.SetDefault(ParamEnableExpVar, false)
	vSub.SetDefault(ParamShutdownTimeout, DefaultShutdownTimeout)

	return NewHttpServer(
		logger.WithField("http-server", "admin"),
		sources,
		v.GetString(gocluster.ParamWebAddr),
		vSub.GetDuration(ParamShutdownTimeout),
		vSub.GetBool(ParamEnableProf),
		vSub.GetBool(ParamEnableExpVar),
	)
}

func NewHttpServer(
	logger logrus.FieldLogger,
	sources Sources,
	address string,
	shutdownTimeout time.Duration,
	enableProf,
	enableExpVar bool,
) (*HttpServer, error) {
	hc := &healthChecker{
		logger:       logger,
		healthChecks: sources.HealthChecks,
		deepChecks:   sources.DeepChecks,
	}
	routes := []route{
		{path: "/healthcheck", handler: hc.healthCheck, method: "GET", name: "healthcheck_get"},
		{path: "/deepcheck", handler: hc.deepCheck, method: "GET", name: "deepcheck_get"},
	}

	if sources.Members != nil {
		mh := &membersHandler{logger: logger, source: sources.Members}
		routes = append(routes,
			route{path: "/members", handler: mh.members, method: "GET", name: "members_get"},
		)
	}

	if sources.Leader != nil {
		lh := &leaderHandler{logger: logger, source: sources.Leader}
		routes = append(routes,
			route{path: "/leader", handler: lh.leader, method: "GET", name: "leader_get"},
		)
	}

	if sources.Nodes != nil {
		nh := &nodesHandler{logger: logger, source: sources.Nodes}
		routes = append(routes,
			route{path: "/nodes", handler: nh.list, method: "GET", name: "nodes_get"},
			route{path: "/select/{key}", handler: nh.selectNode, method: "GET", name: "select_get"},
		)
	}

	if sources.Gatherer != nil {
		metrics := promhttp.HandlerFor(sources.Gatherer, promhttp.HandlerOpts{
			ErrorLog: logger.WithField("handler", "metrics"),
		})
		routes = append(routes,
			route{path: "/metrics", handler: metrics.ServeHTTP, method: "GET", name: "metrics_get"},
		)
	}

	if enableProf {
		profiler := &traceProfiler{}
		routes = append(routes,
			route{path: "/memprof", handler: profiler.MemProf, method: "POST", name: "profmem_post"},
			route{path: "/pprof", handler: profiler.PProf, method: "POST", name: "profpprof_post"},
			route{path: "/trace", handler: profiler.Trace, method: "POST", name: "proftrace_post"},
		)
	}

	if enableExpVar {
		routes = append(routes,
			route{path: "/expvar", handler: expvar.Handler().ServeHTTP, method: "GET", name: "expvar_get"},
		)
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	server := &HttpServer{
		logger:          logger,
		address:         address,
		shutdownTimeout: shutdownTimeout,
	}

	router, err := createRoutes(routes)
	if err != nil {
		return nil, err
	}
	router.NotFoundHandler = server.logRequest(http.HandlerFunc(server.notFound))
	router.Use(server.logRequest)
	server.Router = router

	logger.WithFields(logrus.Fields{
		"address":       address,
		"enable-pprof":  enableProf,
		"enable-expvar": enableExpVar,
		"routes":        len(routes),
	}).Info("Created server")

	return server, nil
}

func (hs *HttpServer) notFound(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("not found"))
}

func createRoutes(routes []route) (*mux.Router, error) {
	router := mux.NewRouter()

	for _, route := range routes {
		r := router.HandleFunc(route.path, route.handler).Methods(route.method).Name(route.name)
		if err := r.GetError(); err != nil {
			return nil, fmt.Errorf("error creating route %s: %v", route.name, err)
		}
	}

	return router, nil
}

func (hs *HttpServer) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logFields := logrus.Fields{
			"srcip": strings.Split(req.RemoteAddr, ":")[0],
			"path":  req.URL.Path,
		}
		if route := mux.CurrentRoute(req); route == nil {
			logFields["method"] = req.Method
		} else {
			logFields["route"] = route.GetName()
		}
		if source := req.Header.Get("X-Forwarded-For"); source != "" {
			logFields["forwarded_for"] = source
		}

		start := time.Now()
		handler.ServeHTTP(w, req)
		dur := time.Since(start)

		logFields["duration"] = float64(dur) / float64(time.Millisecond)
		hs.logger.WithFields(logFields).Debug("request")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (hs *HttpServer) Run(ctx context.Context) {
	server := &http.Server{
		Addr:    hs.address,
		Handler: hs.Router,
	}

	chStopped := make(chan struct{})
	go hs.waitAndStop(ctx, server, chStopped)

	hs.logger.WithField("address", server.Addr).Info("listening")

	err := server.ListenAndServe()
	if err != http.ErrServerClosed {
		hs.logger.WithError(err).Error("web server failed")
		return
	}

	// Wait for graceful shutdown of existing connections
	select {
	case <-chStopped:
	case <-time.After(hs.shutdownTimeout + time.Second):
		hs.logger.Info("timeout waiting for webserver to stop")
	}
}

// waitAndStop will gracefully shut down the Server when the Context passed is cancelled.  It closes
// chStopped when it is done.
func (hs *HttpServer) waitAndStop(ctx context.Context, server *http.Server, chStopped chan<- struct{}) {
	defer close(chStopped)
	<-ctx.Done()

	hs.logger.Info("shutting down web server")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), hs.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(timeoutCtx); err != nil {
		hs.logger.WithError(err).Warn("failed to stop web server")
	}
}
