package server

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinycommit/tm/sim"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// StatusSource reports the state of a running simulation.
type StatusSource interface {
	Status() sim.Status
}

type statusHandler struct {
	src StatusSource
	rd  *render.Render
}

func (h *statusHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.src.Status())
}

func (h *statusHandler) GetPartition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, p := range h.src.Status().Partitions {
		if p.ID == id {
			h.rd.JSON(w, http.StatusOK, p)
			return
		}
	}
	h.rd.JSON(w, http.StatusNotFound, "partition not found")
}

// NewHandler serves the status of src, the configuration cfg and the
// prometheus metrics.
func NewHandler(src StatusSource, cfg interface{}) http.Handler {
	rd := render.New(render.Options{
		IndentJSON: true,
	})
	router := mux.NewRouter()
	sh := &statusHandler{src: src, rd: rd}
	api := router.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/status", sh.Get).Methods("GET")
	api.HandleFunc("/status/partitions/{id}", sh.GetPartition).Methods("GET")
	api.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		rd.JSON(w, http.StatusOK, cfg)
	}).Methods("GET")
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	n := negroni.New(negroni.NewRecovery())
	n.UseHandler(router)
	return n
}

// Server is the HTTP status server of a simulation run.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves h in the background.
func Start(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen on %s", addr)
	}
	s := &Server{srv: &http.Server{Handler: h}, ln: ln}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	log.Info("status server started", zap.String("addr", ln.Addr().String()))
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close(ctx context.Context) error {
	return errors.Trace(s.srv.Shutdown(ctx))
}
