package core

// Client API – JSON over HTTP for job posters, workers and observers.
//
// Writes (transaction submission) authenticate by the signature already on
// the transaction; reads are open. Block events stream over a websocket.

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// APIConfig carries the HTTP surface settings.
type APIConfig struct {
	ListenAddr     string
	MetricsEnabled bool
}

// APIServer exposes node state and accepts transactions.
type APIServer struct {
	cfg      APIConfig
	logger   *logrus.Logger
	ledger   *Ledger
	pool     *TxPool
	registry *Registry
	producer *BlockProducer
	bcast    TopicBroadcaster
	metrics  *Metrics

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}

	srv *http.Server
}

// NewAPIServer wires the HTTP layer.
func NewAPIServer(cfg APIConfig, led *Ledger, pool *TxPool, reg *Registry,
	prod *BlockProducer, bcast TopicBroadcaster, m *Metrics, lg *logrus.Logger) *APIServer {

	return &APIServer{
		cfg:      cfg,
		logger:   lg,
		ledger:   led,
		pool:     pool,
		registry: reg,
		producer: prod,
		bcast:    bcast,
		metrics:  m,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subs:     make(map[*websocket.Conn]struct{}),
	}
}

// Router builds the route table.
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tx", s.handleSubmitTx).Methods(http.MethodPost)
	r.HandleFunc("/account/{addr}", s.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/job/{id}", s.handleJob).Methods(http.MethodGet)
	r.HandleFunc("/submission/{id}", s.handleSubmission).Methods(http.MethodGet)
	r.HandleFunc("/descriptor/{logical}", s.handleDescriptor).Methods(http.MethodGet)
	r.HandleFunc("/head", s.handleHead).Methods(http.MethodGet)
	r.HandleFunc("/ws/blocks", s.handleBlockStream).Methods(http.MethodGet)
	if s.cfg.MetricsEnabled && s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Start serves until Shutdown.
func (s *APIServer) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.WithField("addr", s.cfg.ListenAddr).Info("api listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and closes event streams.
func (s *APIServer) Shutdown() {
	s.mu.Lock()
	for c := range s.subs {
		_ = c.Close()
	}
	s.subs = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
}

//---------------------------------------------------------------------
// Handlers
//---------------------------------------------------------------------

func (s *APIServer) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var tx Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "malformed transaction"})
		return
	}
	if err := s.pool.AddTx(&tx); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: err.Error()})
		return
	}
	if payload, err := EncodeCanonical(&tx); err == nil {
		_ = s.bcast.Broadcast(TopicTx, payload)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"hash": tx.Hash.Hex()})
}

func (s *APIServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := AddressFromHex(mux.Vars(r)["addr"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "bad address"})
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.GetAccount(addr))
}

func (s *APIServer) handleJob(w http.ResponseWriter, r *http.Request) {
	id, err := HashFromHex(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "bad job id"})
		return
	}
	job, ok := s.ledger.GetJob(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *APIServer) handleSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := HashFromHex(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "bad submission id"})
		return
	}
	sub, ok := s.ledger.GetSubmission(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "submission not found"})
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *APIServer) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Resolve(mux.Vars(r)["logical"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *APIServer) handleHead(w http.ResponseWriter, r *http.Request) {
	head := map[string]interface{}{
		"height":    s.ledger.LastBlockHeight(),
		"tip":       s.ledger.TipHash().Hex(),
		"supply":    s.ledger.TotalSupply(),
		"mempool":   s.pool.Size(),
		"stateRoot": s.ledger.StateRoot().Hex(),
	}
	if s.producer != nil {
		head["target"] = s.producer.CurrentTarget().Text(16)
	}
	writeJSON(w, http.StatusOK, head)
}

//---------------------------------------------------------------------
// Block event stream
//---------------------------------------------------------------------

func (s *APIServer) handleBlockStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.subs[conn] = struct{}{}
	s.mu.Unlock()
}

// PublishBlock pushes a connected block to every websocket subscriber.
// Wire it to BlockProducer.SetOnConnect.
func (s *APIServer) PublishBlock(b *Block) {
	event := map[string]interface{}{
		"height": b.Header.Height,
		"hash":   b.Hash().Hex(),
		"txs":    len(b.Txs),
		"time":   b.Header.Timestamp,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.subs {
		if err := c.WriteJSON(event); err != nil {
			_ = c.Close()
			delete(s.subs, c)
		}
	}
}
