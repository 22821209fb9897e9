// Package network exposes the node's HTTP surface: read-only status routes,
// transaction submission, and a websocket feed of finalized blocks.
package network

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/types"
)

// Backend is the node-side API the HTTP layer reads from.
type Backend interface {
	Status() NodeStatus
	Validators() []*types.Validator
	ShardStats() types.ShardStats
	Balance(address string) (uint64, error)
	Block(height uint64) (*types.Block, error)
	SubmitTransaction(tx *types.Transaction) error
}

// NodeStatus is the response body for GET /status.
type NodeStatus struct {
	Height       uint64  `json:"height"`
	LastHash     string  `json:"lastHash"`
	Validators   int     `json:"validators"`
	TotalStake   uint64  `json:"totalStake"`
	ShardCount   int     `json:"shardCount"`
	PoolSize     int     `json:"poolSize"`
	StalledRound bool    `json:"stalledRound"`
	CurrentLoad  float64 `json:"currentLoad"`
}

type Router struct {
	backend Backend
	hub     *Hub
	log     *zap.Logger
}

func NewRouter(backend Backend, hub *Hub, log *zap.Logger) *Router {
	return &Router{backend: backend, hub: hub, log: log.Named("http")}
}

// SetupRoutes configures the HTTP routes.
func (rt *Router) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", rt.handleStatus).Methods("GET")
	r.HandleFunc("/validators", rt.handleValidators).Methods("GET")
	r.HandleFunc("/shards", rt.handleShards).Methods("GET")
	r.HandleFunc("/balance/{address}", rt.handleBalance).Methods("GET")
	r.HandleFunc("/block/{height:[0-9]+}", rt.handleBlock).Methods("GET")
	r.HandleFunc("/transaction", rt.handleSubmitTransaction).Methods("POST")
	r.HandleFunc("/ws/blocks", rt.hub.ServeWS).Methods("GET")
	return r
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.backend.Status())
}

func (rt *Router) handleValidators(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.backend.Validators())
}

func (rt *Router) handleShards(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.backend.ShardStats())
}

func (rt *Router) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	balance, err := rt.backend.Balance(address)
	if err != nil {
		rt.writeError(w, http.StatusNotFound, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"balance": balance,
	})
}

func (rt *Router) handleBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		rt.writeError(w, http.StatusBadRequest, err)
		return
	}
	block, err := rt.backend.Block(height)
	if err != nil {
		rt.writeError(w, http.StatusNotFound, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, block)
}

func (rt *Router) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	tx := &types.Transaction{}
	if err := json.NewDecoder(r.Body).Decode(tx); err != nil {
		rt.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := rt.backend.SubmitTransaction(tx); err != nil {
		rt.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	rt.writeJSON(w, http.StatusAccepted, map[string]string{
		"hash": tx.Hash().String(),
	})
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rt.log.Warn("failed to write response", zap.Error(err))
	}
}

func (rt *Router) writeError(w http.ResponseWriter, status int, err error) {
	rt.writeJSON(w, status, map[string]string{"error": err.Error()})
}
