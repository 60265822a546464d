// Package api exposes the keeper's accounting operations over HTTP.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultkeeper/crypto"
	"vaultkeeper/native/exitqueue"
	"vaultkeeper/native/oracle"
	"vaultkeeper/native/rewards"
	"vaultkeeper/native/vault"
	"vaultkeeper/payloads"
)

// Config wires the server's collaborators and policy knobs.
type Config struct {
	Oracle             *oracle.Engine
	Vaults             *vault.Engine
	Payloads           *payloads.Store
	Logger             *slog.Logger
	AuthSecret         string
	RateLimitPerSecond float64
}

// Server routes HTTP traffic into the accounting engines.
type Server struct {
	oracle   *oracle.Engine
	vaults   *vault.Engine
	payloads *payloads.Store
	logger   *slog.Logger
	auth     *authenticator
	limiter  *rateLimiter
}

// NewServer builds the HTTP surface.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		oracle:   cfg.Oracle,
		vaults:   cfg.Vaults,
		payloads: cfg.Payloads,
		logger:   logger,
		auth:     newAuthenticator(cfg.AuthSecret),
		limiter:  newRateLimiter(cfg.RateLimitPerSecond),
	}
}

// Handler assembles the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/oracle/state", s.handleOracleState)
		r.Get("/vaults/{addr}/reward", s.handleVaultReward)
		r.Get("/vaults/{addr}/queue/totals", s.handleQueueTotals)
		r.Get("/vaults/{addr}/queue/checkpoints/{index}", s.handleCheckpoint)
		r.Get("/vaults/{addr}/queue/position", s.handlePosition)
		r.Get("/payloads/{hash}", s.handlePayload)
		r.Get("/settlements/{id}", s.handleSettlementBatch)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.middleware, s.limiter.middleware)
			r.Post("/oracle/snapshot", s.handleSubmitSnapshot)
			r.Post("/vaults/{addr}/update", s.handleUpdateState)
			r.Post("/vaults/{addr}/queue/enter", s.handleEnter)
			r.Post("/vaults/{addr}/queue/claim", s.handleClaim)
		})
	})
	return r
}

// --- oracle handlers ---

type oracleStateResponse struct {
	Root            string `json:"root"`
	PreviousRoot    string `json:"previousRoot"`
	Nonce           uint64 `json:"nonce"`
	UpdateTimestamp uint64 `json:"updateTimestamp"`
	CanUpdate       bool   `json:"canUpdate"`
}

func (s *Server) handleOracleState(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.oracle.Snapshot()
	writeJSON(w, http.StatusOK, oracleStateResponse{
		Root:            hex.EncodeToString(snapshot.Root[:]),
		PreviousRoot:    hex.EncodeToString(snapshot.PreviousRoot[:]),
		Nonce:           snapshot.Nonce,
		UpdateTimestamp: snapshot.UpdateTimestamp,
		CanUpdate:       s.oracle.CanUpdate(),
	})
}

type submitSnapshotRequest struct {
	Caller     string   `json:"caller"`
	Root       string   `json:"root"`
	Timestamp  uint64   `json:"timestamp"`
	Payload    string   `json:"payload,omitempty"`
	Signatures []string `json:"signatures"`
}

func (s *Server) handleSubmitSnapshot(w http.ResponseWriter, r *http.Request) {
	var req submitSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	root, err := parseHash(req.Root)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sigs := make([][]byte, 0, len(req.Signatures))
	for _, raw := range req.Signatures {
		sig, err := hex.DecodeString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sigs = append(sigs, sig)
	}

	var payloadHash [32]byte
	if req.Payload != "" {
		blob := []byte(req.Payload)
		payloadHash, err = s.payloads.Put(blob)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	if err := s.oracle.SubmitSnapshot(caller, root, req.Timestamp, payloadHash, sigs); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snapshot := s.oracle.Snapshot()
	s.logger.Info("snapshot accepted", "nonce", snapshot.Nonce, "root", hex.EncodeToString(root[:]))
	writeJSON(w, http.StatusOK, map[string]any{
		"nonce":       snapshot.Nonce,
		"payloadHash": hex.EncodeToString(payloadHash[:]),
	})
}

// --- vault handlers ---

type vaultRewardResponse struct {
	CumulativeAssets     string `json:"cumulativeAssets"`
	CumulativeExecReward string `json:"cumulativeExecReward"`
	SyncedNonce          uint64 `json:"syncedNonce"`
	HarvestRequired      bool   `json:"harvestRequired"`
}

func (s *Server) handleVaultReward(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reward, err := s.vaults.Harvester().VaultReward(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	required, err := s.vaults.Harvester().IsHarvestRequired(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultRewardResponse{
		CumulativeAssets:     reward.CumulativeAssets.String(),
		CumulativeExecReward: reward.CumulativeExecReward.Dec(),
		SyncedNonce:          reward.SyncedNonce,
		HarvestRequired:      required,
	})
}

type updateStateRequest struct {
	CumulativeReward     string   `json:"cumulativeReward,omitempty"`
	CumulativeExecReward string   `json:"cumulativeExecReward,omitempty"`
	Proof                []string `json:"proof,omitempty"`
	ExtraUnlocked        string   `json:"extraUnlocked,omitempty"`
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var harvest *rewards.HarvestParams
	if req.CumulativeReward != "" {
		cumulative, ok := new(big.Int).SetString(req.CumulativeReward, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("invalid cumulativeReward"))
			return
		}
		exec := uint256.NewInt(0)
		if req.CumulativeExecReward != "" {
			exec, err = uint256.FromDecimal(req.CumulativeExecReward)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		proof := make([][32]byte, 0, len(req.Proof))
		for _, raw := range req.Proof {
			node, err := parseHash(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			proof = append(proof, node)
		}
		harvest = &rewards.HarvestParams{
			CumulativeReward:     cumulative,
			CumulativeExecReward: exec,
			Proof:                proof,
		}
	}

	var extra *uint256.Int
	if req.ExtraUnlocked != "" {
		extra, err = uint256.FromDecimal(req.ExtraUnlocked)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	result, err := s.vaults.UpdateState(addr, harvest, extra)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"delta":          result.Delta.String(),
		"execDelta":      result.ExecDelta.String(),
		"sharesResolved": result.SharesResolved.Dec(),
		"assetsUnlocked": result.AssetsUnlocked.Dec(),
		"liquidity":      result.Liquidity.Dec(),
	})
}

// --- queue handlers ---

func (s *Server) handleQueueTotals(w http.ResponseWriter, r *http.Request) {
	queue, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	totals := queue.Totals()
	writeJSON(w, http.StatusOK, map[string]any{
		"queuedShares":    totals.QueuedShares.Dec(),
		"unclaimedAssets": totals.UnclaimedAssets.Dec(),
		"checkpoints":     queue.CheckpointCount(),
	})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	queue, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cp, err := queue.Checkpoint(index)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"cumulativeShares": cp.CumulativeShares.Dec(),
		"cumulativeAssets": cp.CumulativeAssets.Dec(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	queue, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	owner, err := parseAddr(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ticket, err := uint256.FromDecimal(r.URL.Query().Get("ticket"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := queue.Position(owner, ticket)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp := map[string]string{
		"owner":    crypto.MustNewAddress(crypto.VaultPrefix, pos.Owner[:]).String(),
		"receiver": crypto.MustNewAddress(crypto.VaultPrefix, pos.Receiver[:]).String(),
		"ticket":   pos.Ticket.Dec(),
		"amount":   pos.Amount.Dec(),
	}
	if index, err := queue.CheckpointIndex(pos.Ticket); err == nil {
		resp["checkpointIndex"] = strconv.FormatUint(index, 10)
	}
	writeJSON(w, http.StatusOK, resp)
}

type enterRequest struct {
	Owner    string `json:"owner"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req enterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := parseAddr(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receiver := owner
	if req.Receiver != "" {
		receiver, err = parseAddr(req.Receiver)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ticket, err := s.vaults.Enter(addr, owner, receiver, amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticket": ticket.Dec()})
}

type claimRequest struct {
	Owner  string  `json:"owner"`
	Ticket string  `json:"ticket"`
	Index  *uint64 `json:"checkpointIndex,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := parseAddr(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ticket, err := uint256.FromDecimal(req.Ticket)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queue, err := s.vaults.Queue(addr)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var index uint64
	if req.Index != nil {
		index = *req.Index
	} else {
		index, err = queue.CheckpointIndex(ticket)
		if err != nil {
			// No checkpoint covers the ticket yet, which is the
			// not-processed condition rather than a missing resource.
			if errors.Is(err, exitqueue.ErrCheckpointNotFound) {
				err = exitqueue.ErrExitRequestNotProcessed
			}
			writeError(w, statusFor(err), err)
			return
		}
	}
	paid, successor, err := queue.Claim(owner, ticket, index)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	receipt := claimReceipt{
		Vault:           crypto.MustNewAddress(crypto.VaultPrefix, addr[:]).String(),
		Owner:           crypto.MustNewAddress(crypto.VaultPrefix, owner[:]).String(),
		Ticket:          ticket.Dec(),
		CheckpointIndex: index,
		AmountPaid:      paid.Dec(),
	}
	resp := map[string]string{"amountPaid": paid.Dec()}
	if successor != nil {
		receipt.SuccessorTicket = successor.Dec()
		resp["successorTicket"] = successor.Dec()
	}
	// The payout is final at this point. A failed receipt write is logged
	// and the settlement still reports success.
	if hash, batch, err := s.recordSettlement(receipt); err != nil {
		s.logger.Warn("record settlement receipt", "error", err)
	} else {
		resp["receiptHash"] = hex.EncodeToString(hash[:])
		resp["settlementBatch"] = batch.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// claimReceipt is the audit payload recorded for every settled claim.
type claimReceipt struct {
	Vault           string `json:"vault"`
	Owner           string `json:"owner"`
	Ticket          string `json:"ticket"`
	CheckpointIndex uint64 `json:"checkpointIndex"`
	AmountPaid      string `json:"amountPaid"`
	SuccessorTicket string `json:"successorTicket,omitempty"`
}

func (s *Server) recordSettlement(receipt claimReceipt) ([32]byte, *payloads.Batch, error) {
	blob, err := json.Marshal(receipt)
	if err != nil {
		return [32]byte{}, nil, err
	}
	hash, err := s.payloads.Put(blob)
	if err != nil {
		return [32]byte{}, nil, err
	}
	batch, err := s.payloads.RecordBatch([][32]byte{hash})
	if err != nil {
		return [32]byte{}, nil, err
	}
	return hash, batch, nil
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	blob, err := s.payloads.Get(hash)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blob)
}

func (s *Server) handleSettlementBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.payloads.GetBatch(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	hashes := make([]string, 0, len(batch.Hashes))
	for _, h := range batch.Hashes {
		hashes = append(hashes, hex.EncodeToString(h[:]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            batch.ID,
		"createdAt":     batch.CreatedAt,
		"payloadHashes": hashes,
	})
}

func (s *Server) queueFor(w http.ResponseWriter, r *http.Request) (*exitqueue.Engine, bool) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	queue, err := s.vaults.Queue(addr)
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return queue, true
}

// --- helpers ---

func parseAddr(raw string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseHash(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, errors.New("hash must be 32 bytes")
	}
	copy(out[:], decoded)
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, vault.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrInvalidRoot),
		errors.Is(err, oracle.ErrFutureTimestamp),
		errors.Is(err, oracle.ErrInvalidSigner),
		errors.Is(err, oracle.ErrNotEnoughSignatures),
		errors.Is(err, rewards.ErrInvalidProof),
		errors.Is(err, rewards.ErrInvalidAmount),
		errors.Is(err, rewards.ErrExecRewardRegression),
		errors.Is(err, exitqueue.ErrInvalidAmount),
		errors.Is(err, exitqueue.ErrInvalidCheckpoint):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrTooEarlyUpdate):
		return http.StatusTooEarly
	case errors.Is(err, exitqueue.ErrPositionNotFound),
		errors.Is(err, exitqueue.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, exitqueue.ErrExitRequestNotProcessed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
