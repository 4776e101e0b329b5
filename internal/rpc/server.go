// Package rpc is the signer node's HTTP transport: plain JSON request/
// response bodies over the four control endpoints plus the read-only
// aggregate-keys convenience, a CORS-enabled mux, and an ops WebSocket for
// session lifecycle visibility.
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/solace-custody/musig-signerd/internal/musig2"
	"github.com/solace-custody/musig-signerd/internal/protocol"
	"github.com/solace-custody/musig-signerd/internal/signernode"
	"github.com/solace-custody/musig-signerd/internal/signerr"
	"github.com/solace-custody/musig-signerd/pkg/logging"
)

// requestDeadline bounds the step1 and combine handlers, the two that call
// the ledger: exceeding it returns a retriable error but never rolls back
// already-persisted session state. The generate, step2 and aggregate-keys
// handlers run without a per-request deadline.
const requestDeadline = 10 * time.Second

// Server is the signer node's REST + ops-WebSocket listener.
type Server struct {
	nodeID int
	svc    *signernode.Service
	log    *logging.Logger
	wsHub  *WSHub

	httpServer *http.Server
	listener   net.Listener
	wsStop     chan struct{}
}

// NewServer builds a Server around an already-constructed signer node
// service.
func NewServer(nodeID int, svc *signernode.Service) *Server {
	return &Server{
		nodeID: nodeID,
		svc:    svc,
		log:    logging.GetDefault().Component("rpc"),
		wsHub:  NewWSHub(),
	}
}

// Start binds addr and begins serving. Non-blocking: serving happens on a
// background goroutine.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsStop = make(chan struct{})
	go s.wsHub.Run(s.wsStop)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate", s.handleGenerate)
	mux.HandleFunc("POST /agg-send-step1", s.handleStep1)
	mux.HandleFunc("POST /agg-send-step2", s.handleStep2)
	mux.HandleFunc("POST /aggregate-signatures-broadcast", s.handleCombine)
	mux.HandleFunc("POST /aggregate-keys", s.handleAggregateKeys)
	mux.HandleFunc("GET /ops/ws", s.handleOpsWS)

	s.httpServer = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", "error", err)
		}
	}()

	s.log.Info("rpc server started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the HTTP server and ops hub.
func (s *Server) Stop() error {
	if s.wsStop != nil {
		close(s.wsStop)
	}
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := signerr.HTTPStatus(err)
	kind := "InternalError"
	var se *signerr.Error
	if errors.As(err, &se) {
		kind = string(se.Kind)
	}
	writeJSON(w, status, map[string]string{"kind": kind, "error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return signerr.Wrap(signerr.InvalidRequest, "malformed request body", err)
	}
	return nil
}

type generateResponse struct {
	EndUserPubkey string `json:"end_user_pubkey"`
	Node1Pubkey   string `json:"node1_pubkey"`
	Node2Pubkey   string `json:"node2_pubkey"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Generate()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		EndUserPubkey: result.EndUserPubkey,
		Node1Pubkey:   result.Node1Pubkey,
		Node2Pubkey:   result.Node2Pubkey,
	})
}

// decodeIntent builds a SigningIntent from a request's transfer fields or,
// when transactionB64 is set, from a caller-supplied prebuilt transaction.
// Shared by step1 and step2: both rounds must build the identical intent
// from the identical wire fields to sign the identical message.
func decodeIntent(to string, amount uint64, memo string, transactionB64 string) (protocol.SigningIntent, error) {
	if transactionB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(transactionB64)
		if err != nil {
			return protocol.SigningIntent{}, signerr.Wrap(signerr.InvalidRequest, "invalid base64 transaction", err)
		}
		return protocol.SigningIntent{Kind: protocol.IntentPrebuiltTransaction, RawTransaction: raw}, nil
	}
	return protocol.SigningIntent{Kind: protocol.IntentNativeTransfer, To: to, Lamports: amount, Memo: memo}, nil
}

func decodeBlockhash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := protocol.DecodeBase58(s)
	if err != nil || len(raw) != 32 {
		return out, signerr.New(signerr.InvalidRequest, "invalid blockhash encoding")
	}
	copy(out[:], raw)
	return out, nil
}

type step1Request struct {
	EndUserPubkey string `json:"end_user_pubkey"`
	NodeID        int    `json:"node_id"`
	To            string `json:"to"`
	Amount        uint64 `json:"amount"`
	Memo          string `json:"memo,omitempty"`
	Transaction   string `json:"transaction,omitempty"` // base64-encoded prebuilt message bytes
}

type step1Response struct {
	SessionID  string               `json:"session_id"`
	AggMessage protocol.AggMessage1 `json:"agg_message_1"`
	Blockhash  string               `json:"blockhash"`
}

func (s *Server) handleStep1(w http.ResponseWriter, r *http.Request) {
	var req step1Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID != s.nodeID {
		writeError(w, signerr.New(signerr.InvalidRequest, "node_id does not match this signer node"))
		return
	}

	intent, err := decodeIntent(req.To, req.Amount, req.Memo, req.Transaction)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
	defer cancel()

	result, err := s.svc.Step1(ctx, req.EndUserPubkey, intent)
	if err != nil {
		writeError(w, err)
		return
	}

	s.wsHub.Broadcast(EventSessionCreated, map[string]interface{}{"session_id": result.SessionID, "node_id": s.nodeID})
	writeJSON(w, http.StatusOK, step1Response{
		SessionID:  result.SessionID,
		AggMessage: result.AggMessage,
		Blockhash:  protocol.EncodeBase58(result.Blockhash[:]),
	})
}

// step2Request carries everything node2 needs to rebuild the message to
// sign without a local session row of its own: the same transfer/prebuilt
// fields step1 received, plus the blockhash step1 froze, relayed by the
// coordinator from step1Response.
type step2Request struct {
	SessionID     string               `json:"session_id"`
	NodeID        int                  `json:"node_id"`
	EndUserPubkey string               `json:"end_user_pubkey"`
	To            string               `json:"to,omitempty"`
	Amount        uint64               `json:"amount,omitempty"`
	Memo          string               `json:"memo,omitempty"`
	Transaction   string               `json:"transaction,omitempty"`
	Blockhash     string               `json:"blockhash"`
	AggMessage    protocol.AggMessage1 `json:"agg_message_1"`
}

type step2Response struct {
	PartialSignature string               `json:"partial_signature"`
	AggMessage       protocol.AggMessage1 `json:"agg_message_2"`
}

func (s *Server) handleStep2(w http.ResponseWriter, r *http.Request) {
	var req step2Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID != s.nodeID {
		writeError(w, signerr.New(signerr.InvalidRequest, "node_id does not match this signer node"))
		return
	}

	intent, err := decodeIntent(req.To, req.Amount, req.Memo, req.Transaction)
	if err != nil {
		writeError(w, err)
		return
	}
	blockhash, err := decodeBlockhash(req.Blockhash)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.svc.Step2(req.SessionID, req.EndUserPubkey, intent, blockhash, req.AggMessage)
	if err != nil {
		s.maybeBroadcastSecurityAlert(req.SessionID, err)
		writeError(w, err)
		return
	}

	s.wsHub.Broadcast(EventSessionStep2, map[string]interface{}{"session_id": req.SessionID, "node_id": s.nodeID})
	writeJSON(w, http.StatusOK, step2Response{
		PartialSignature: protocol.EncodeBase58(result.PartialSignature.Bytes()),
		AggMessage:       result.AggMessage,
	})
}

type combineRequest struct {
	SessionID         string               `json:"session_id"`
	PartialSignature2 string               `json:"partial_signature_2"`
	AggMessage2       protocol.AggMessage1 `json:"agg_message_2"`
}

type combineResponse struct {
	TransactionSignature string `json:"transaction_signature"`
}

func (s *Server) handleCombine(w http.ResponseWriter, r *http.Request) {
	var req combineRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sigBytes, err := protocol.DecodeBase58(req.PartialSignature2)
	if err != nil {
		writeError(w, signerr.Wrap(signerr.InvalidRequest, "invalid partial_signature_2 encoding", err))
		return
	}
	partialSig, err := musig2.DecodePartialSignature(sigBytes)
	if err != nil {
		writeError(w, signerr.Wrap(signerr.InvalidRequest, "invalid partial_signature_2", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
	defer cancel()

	sig, err := s.svc.CombineAndBroadcast(ctx, req.SessionID, partialSig, req.AggMessage2)
	if err != nil {
		s.maybeBroadcastSecurityAlert(req.SessionID, err)
		writeError(w, err)
		return
	}

	s.wsHub.Broadcast(EventSessionCombined, map[string]interface{}{"session_id": req.SessionID, "node_id": s.nodeID})
	writeJSON(w, http.StatusOK, combineResponse{TransactionSignature: sig})
}

type aggregateKeysRequest struct {
	EndUserPubkey string `json:"end_user_pubkey"`
}

type aggregateKeysResponse struct {
	AggPublicKey string `json:"agg_public_key"`
}

func (s *Server) handleAggregateKeys(w http.ResponseWriter, r *http.Request) {
	var req aggregateKeysRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	aggPub, err := s.svc.AggregateKeys(req.EndUserPubkey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateKeysResponse{AggPublicKey: aggPub})
}

// maybeBroadcastSecurityAlert emits an ops event for MismatchMessages and
// InvalidSignature failures, the two kinds §7 classifies as security
// events, without ever including secret material.
func (s *Server) maybeBroadcastSecurityAlert(sessionID string, err error) {
	var se *signerr.Error
	if !errors.As(err, &se) || !signerr.IsSecurityEvent(se.Kind) {
		return
	}
	s.wsHub.Broadcast(EventSessionSecurityAlert, map[string]interface{}{
		"session_id": sessionID, "node_id": s.nodeID, "kind": se.Kind,
	})
}
