package coordinator

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const timeout = 15

// Router returns the RESTful API of the coordinator.
func (c *Coordinator) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(c.instrument)

	r.HandleFunc("/", c.homeHandler)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/networks", c.networksHandler).Methods(http.MethodGet)
	r.HandleFunc("/networks/{net}/address/{address}", c.balanceHandler).Methods(http.MethodGet)
	r.HandleFunc("/networks/{net}/tx/{hash}", c.receiptHandler).Methods(http.MethodGet)

	r.HandleFunc("/nodes", c.registerNodeHandler).Methods(http.MethodPost)
	r.HandleFunc("/nodes", c.listNodesHandler).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}", c.getNodeHandler).Methods(http.MethodGet)

	r.HandleFunc("/batches", c.proposeBatchHandler).Methods(http.MethodPost)
	r.HandleFunc("/batches", c.listBatchesHandler).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}", c.getBatchHandler).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}/circulate", c.circulateHandler).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id}/votes", c.voteBatchHandler).Methods(http.MethodPost)

	r.HandleFunc("/escrows", c.createEscrowHandler).Methods(http.MethodPost)
	r.HandleFunc("/escrows", c.listEscrowsHandler).Methods(http.MethodGet)
	r.HandleFunc("/escrows/{id}", c.getEscrowHandler).Methods(http.MethodGet)
	r.HandleFunc("/escrows/{id}/deliver", c.deliverHandler).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}/token", c.tokenHandler).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}/dispute", c.disputeEscrowHandler).Methods(http.MethodPost)

	r.HandleFunc("/disputes", c.initiateDisputeHandler).Methods(http.MethodPost)
	r.HandleFunc("/disputes", c.listDisputesHandler).Methods(http.MethodGet)
	r.HandleFunc("/disputes/{id}", c.getDisputeHandler).Methods(http.MethodGet)
	r.HandleFunc("/disputes/{id}/votes", c.voteArbitratorHandler).Methods(http.MethodPost)
	r.HandleFunc("/disputes/{id}/review", c.reviewHandler).Methods(http.MethodPost)
	r.HandleFunc("/disputes/{id}/resolution", c.resolutionHandler).Methods(http.MethodPost)
	r.HandleFunc("/disputes/{id}/evidence", c.evidenceHandler).Methods(http.MethodPost)
	r.HandleFunc("/evidence/{cid}", c.getEvidenceHandler).Methods(http.MethodGet)

	return r
}

// statusWriter keeps the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument logs and measures every request by route template.
func (c *Coordinator) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: rw, code: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		c.metrics.Request(route, strconv.Itoa(sw.code), time.Since(start))
		c.log.Debug().Str("remote", r.RemoteAddr).Str("method", r.Method).Str("uri", r.RequestURI).
			Int("code", sw.code).Dur("elapsed", time.Since(start)).Msg("httpreq")
	})
}

// Serve runs the http server on the configured endpoint until ctx is done, then shuts it down gracefully.
func (c *Coordinator) Serve(ctx context.Context) error {
	s := &http.Server{
		Handler:      c.Router(),
		Addr:         c.cfg.RestfulEndpoint + ":" + c.cfg.Port,
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}

	errc := make(chan error, 1)

	go func() {
		c.log.Info().Str("addr", s.Addr).Msg("listening to API http requests")
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), timeout*time.Second)
	defer cancel()

	if err := s.Shutdown(sctx); err != nil {
		return err
	}

	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
