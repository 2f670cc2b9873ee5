// Package rpc implements the HTTP/JSON external interface (spec.md §6):
// a liveness probe, reserve_gas, execute_tx, and a status endpoint,
// guarded by bearer-token middleware reading GAS_STATION_AUTH. Routing
// uses httprouter, dispatching by path rather than by JSON-RPC method.
package rpc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/iotaledger/gas-station/internal/coordinator"
	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/reservation"
	"github.com/iotaledger/gas-station/internal/storage"
	"github.com/iotaledger/gas-station/internal/usagecap"
)

var logger = log.NewModuleLogger(log.RPC)

// Server is the gas station's HTTP surface. It keeps no reservation
// state of its own: reserve_gas and execute_tx for the same reservation
// id can land on any instance sharing the store, since every lookup
// goes through it rather than instance-local memory.
type Server struct {
	authSecret     string
	sponsorAddress string
	reservations   *reservation.Engine
	coordinator    *coordinator.Coordinator
	store          storage.Store
	usage          *usagecap.Tracker
	dailyCap       int64
	txLog          bool

	router *httprouter.Router
}

// New builds the routed HTTP handler. sponsorAddress is the signer's
// address, echoed back to clients in reserve_gas responses as the
// gas_owner they must set on the envelope.
func New(authSecret, sponsorAddress string, reservations *reservation.Engine, coord *coordinator.Coordinator, store storage.Store, usage *usagecap.Tracker, dailyCap int64, txLog bool) *Server {
	s := &Server{
		authSecret:     authSecret,
		sponsorAddress: sponsorAddress,
		reservations:   reservations,
		coordinator:    coord,
		store:          store,
		usage:          usage,
		dailyCap:       dailyCap,
		txLog:          txLog,
	}

	r := httprouter.New()
	r.GET("/", s.handleLiveness)
	r.POST("/v1/reserve_gas", s.withAuth(s.handleReserveGas))
	r.POST("/v1/execute_tx", s.withAuth(s.handleExecuteTx))
	r.GET("/v1/status", s.withAuth(s.handleStatus))
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) withAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := bearerToken(r)
		if token == "" || token != s.authSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

type reserveGasRequest struct {
	GasBudget           uint64 `json:"gas_budget"`
	ReserveDurationSecs uint64 `json:"reserve_duration_secs"`
}

type reserveGasResult struct {
	SponsorAddress string      `json:"sponsor_address"`
	ReservationID  uint64      `json:"reservation_id"`
	GasCoins       []gasCoinID `json:"gas_coins"`
}

type gasCoinID struct {
	ObjectID string `json:"object_id"`
	Version  uint64 `json:"version"`
	Digest   string `json:"digest"`
}

type reserveGasResponse struct {
	Result *reserveGasResult `json:"result"`
	Error  *string           `json:"error"`
}

func (s *Server) handleReserveGas(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req reserveGasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, reserveGasResponse{Error: strPtr("malformed request body")})
		return
	}

	res, err := s.reservations.Reserve(r.Context(), req.GasBudget, time.Duration(req.ReserveDurationSecs)*time.Second)
	if err != nil {
		writeJSON(w, http.StatusOK, reserveGasResponse{Error: strPtr(err.Error())})
		return
	}

	coins := make([]gasCoinID, 0, len(res.CoinRefs))
	for _, c := range res.CoinRefs {
		coins = append(coins, gasCoinID{ObjectID: c.ObjectID, Version: c.Version, Digest: c.Digest})
	}

	writeJSON(w, http.StatusOK, reserveGasResponse{Result: &reserveGasResult{
		SponsorAddress: s.sponsorAddress,
		ReservationID:  res.ID,
		GasCoins:       coins,
	}})
}

type executeTxRequest struct {
	ReservationID uint64 `json:"reservation_id"`
	TxBytes       string `json:"tx_bytes"` // base64
	UserSig       string `json:"user_sig"` // base64
}

type executeTxResponse struct {
	Effects *executeEffects `json:"effects"`
	Error   *string         `json:"error"`
}

type executeEffects struct {
	State   string `json:"state"`
	GasUsed uint64 `json:"gas_used"`
}

func (s *Server) handleExecuteTx(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req executeTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, executeTxResponse{Error: strPtr("malformed request body")})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.TxBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, executeTxResponse{Error: strPtr("tx_bytes is not valid base64")})
		return
	}
	userSig, err := base64.StdEncoding.DecodeString(req.UserSig)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, executeTxResponse{Error: strPtr("user_sig is not valid base64")})
		return
	}

	env, err := coordinator.ParseEnvelope(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, executeTxResponse{Error: strPtr(err.Error())})
		return
	}
	env.UserSignature = userSig

	traceID := uuid.New().String()
	if s.txLog {
		logger.Info("executing transaction", "trace_id", traceID, "reservation_id", req.ReservationID, "sender", env.Sender)
	}

	result := s.coordinator.Execute(r.Context(), req.ReservationID, env, s.sponsorAddress)
	if errors.Is(result.Error, pool.ErrNotFound) || errors.Is(result.Error, pool.ErrExpired) {
		writeJSON(w, http.StatusOK, executeTxResponse{Error: strPtr("unknown or already-consumed reservation")})
		return
	}
	resp := executeTxResponse{Effects: &executeEffects{State: string(result.State), GasUsed: result.GasUsed}}
	if result.Error != nil {
		resp.Error = strPtr(result.Error.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	PoolSize      int   `json:"pool_size"`
	ReservedCount int   `json:"reserved_count"`
	DailyUsage    int64 `json:"daily_usage"`
	DailyCap      int64 `json:"daily_cap"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	avail, reserved, err := s.store.PoolSize(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var dailyUsage int64
	if s.usage != nil {
		dailyUsage, _ = s.usage.Peek(r.Context())
	}

	writeJSON(w, http.StatusOK, statusResponse{
		PoolSize:      avail,
		ReservedCount: reserved,
		DailyUsage:    dailyUsage,
		DailyCap:      s.dailyCap,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func strPtr(s string) *string { return &s }
