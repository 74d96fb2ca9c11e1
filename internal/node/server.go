package node

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"greenbond/internal/bond"
	"greenbond/internal/chain"
	"greenbond/internal/ledger"
)

const maxListQueryLimit = 1_000

type Server struct {
	chain           *chain.Chain
	mux             *http.ServeMux
	handler         http.Handler
	logger          *zap.Logger
	registry        *prometheus.Registry
	httpMetrics     *httpMetrics
	adminToken      string
	allowDevSigning bool
	readinessMaxLag time.Duration
	snapshot        func() (string, error)
}

type Config struct {
	AdminToken      string
	AllowDevSigning bool
	ReadinessMaxLag time.Duration
	// Snapshot persists the chain for POST /admin/snapshot and reports
	// where it went. The endpoint answers 503 when nil.
	Snapshot func() (string, error)
	Logger   *zap.Logger
}

func NewServer(c *chain.Chain, cfg Config) *Server {
	readinessLag := cfg.ReadinessMaxLag
	if readinessLag <= 0 {
		interval := c.BlockInterval()
		if interval <= 0 {
			interval = 2 * time.Second
		}
		readinessLag = interval * 4
		if readinessLag < 10*time.Second {
			readinessLag = 10 * time.Second
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry, httpMetrics := newRegistry(c)
	s := &Server{
		chain:           c,
		mux:             http.NewServeMux(),
		logger:          logger,
		registry:        registry,
		httpMetrics:     httpMetrics,
		adminToken:      cfg.AdminToken,
		allowDevSigning: cfg.AllowDevSigning,
		readinessMaxLag: readinessLag,
		snapshot:        cfg.Snapshot,
	}
	s.routes()
	s.handler = s.instrument(s.mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/readyz", s.handleReadyz)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/metrics.json", s.handleMetricsJSON)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/accounts/", s.handleAccount)
	s.mux.HandleFunc("/nonce/", s.handleNonce)
	s.mux.HandleFunc("/assets", s.handleAssets)
	s.mux.HandleFunc("/assets/", s.handleAsset)
	s.mux.HandleFunc("/bonds", s.handleBonds)
	s.mux.HandleFunc("/bonds/", s.handleBond)
	s.mux.HandleFunc("/blocks", s.handleBlocks)
	s.mux.HandleFunc("/tx/pending", s.handlePendingTx)
	s.mux.HandleFunc("/tx/finalized", s.handleFinalizedTx)
	s.mux.HandleFunc("/tx", s.handleSubmitTx)
	s.mux.HandleFunc("/tx/sign", s.handleSignTx)
	s.mux.HandleFunc("/tx/sign-and-submit", s.handleSignAndSubmit)
	s.mux.HandleFunc("/wallets", s.handleWalletNew)
	s.mux.HandleFunc("/admin/produce", s.handleAdminProduce)
	s.mux.HandleFunc("/admin/snapshot", s.handleAdminSnapshot)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	metrics := s.chain.GetMetrics()
	lag := time.Since(time.UnixMilli(metrics.LastFinalizedMs))
	ready := lag <= s.readinessMaxLag
	reason := "ok"
	if !ready {
		reason = fmt.Sprintf("finality lag %s exceeds threshold %s", lag.Round(time.Millisecond), s.readinessMaxLag)
	}

	resp := map[string]any{
		"ready":            ready,
		"reason":           reason,
		"height":           metrics.Height,
		"instruments":      metrics.InstrumentsCount,
		"lastFinalizedMs":  metrics.LastFinalizedMs,
		"maxFinalityLagMs": s.readinessMaxLag.Milliseconds(),
	}
	if ready {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.chain.GetMetrics())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.chain.GetStatus())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	addr := strings.TrimPrefix(r.URL.Path, "/accounts/")
	if addr == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing account address"))
		return
	}
	acc, ok := s.chain.GetAccount(chain.Address(addr))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("account %s not found", addr))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	addr := strings.TrimPrefix(r.URL.Path, "/nonce/")
	if addr == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing account address"))
		return
	}
	nonce, err := s.chain.NextNonce(chain.Address(addr))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, chain.ErrUnknownAccount) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"nextNonce": nonce})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.chain.GetAssets())
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/assets/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing asset id"))
		return
	}
	asset, ok := s.chain.GetAsset(ledger.AssetID(id))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("asset %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleBonds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.chain.GetBonds())
}

// handleBond serves /bonds/{id}, /bonds/{id}/status,
// /bonds/{id}/holders/{addr} and /bonds/{id}/default.
func (s *Server) handleBond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/bonds/"), "/"), "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing bond id"))
		return
	}

	switch {
	case len(parts) == 1:
		inst, ok := s.chain.GetBond(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", bond.ErrUnknownInstrument, id))
			return
		}
		writeJSON(w, http.StatusOK, inst)
	case len(parts) == 2 && parts[1] == "status":
		status, err := s.chain.GetBondStatus(id)
		if err != nil {
			writeError(w, queryErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case len(parts) == 3 && parts[1] == "holders":
		if _, ok := s.chain.GetBond(id); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", bond.ErrUnknownInstrument, id))
			return
		}
		holder, ok := s.chain.GetBondHolder(id, chain.Address(parts[2]))
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", bond.ErrNotHolder, parts[2]))
			return
		}
		writeJSON(w, http.StatusOK, holder)
	case len(parts) == 2 && parts[1] == "default":
		s.handleBondDefault(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown bond resource %s", r.URL.Path))
	}
}

// handleBondDefault answers whether the instrument has defaulted. With a
// claim it succeeds only when the claim matches.
func (s *Server) handleBondDefault(w http.ResponseWriter, r *http.Request, id string) {
	status, err := s.chain.GetBondStatus(id)
	if err != nil {
		writeError(w, queryErrorStatus(err), err)
		return
	}

	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("claim")))
	if raw == "" {
		writeJSON(w, http.StatusOK, status)
		return
	}
	var claim bool
	switch raw {
	case "yes", "true":
		claim = true
	case "no", "false":
	default:
		writeError(w, http.StatusBadRequest, errors.New("claim must be yes or no"))
		return
	}
	if err := bond.CheckDefault(status, claim); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  err.Error(),
			"status": status,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": status,
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	from := queryInt(r, "from", 0)
	limit := queryInt(r, "limit", 20)
	writeJSON(w, http.StatusOK, s.chain.GetBlocks(from, limit))
}

type txFilter struct {
	from, to, kind, bond string
	minFee, maxFee       uint64
	hasMinFee, hasMaxFee bool
}

func parseTxFilter(r *http.Request) (txFilter, error) {
	f := txFilter{
		from: strings.TrimSpace(r.URL.Query().Get("from")),
		to:   strings.TrimSpace(r.URL.Query().Get("to")),
		kind: strings.TrimSpace(r.URL.Query().Get("kind")),
		bond: strings.TrimSpace(r.URL.Query().Get("bond")),
	}
	var err error
	if f.minFee, f.hasMinFee, err = optionalQueryUint64(r, "minFee"); err != nil {
		return txFilter{}, err
	}
	if f.maxFee, f.hasMaxFee, err = optionalQueryUint64(r, "maxFee"); err != nil {
		return txFilter{}, err
	}
	return f, nil
}

func (f txFilter) match(tx chain.Transaction) bool {
	if f.from != "" && string(tx.From) != f.from {
		return false
	}
	if f.to != "" && string(tx.To) != f.to {
		return false
	}
	if f.kind != "" && txKindOrTransfer(tx) != f.kind {
		return false
	}
	if f.bond != "" && tx.Bond != f.bond {
		return false
	}
	if f.hasMinFee && tx.Fee < f.minFee {
		return false
	}
	if f.hasMaxFee && tx.Fee > f.maxFee {
		return false
	}
	return true
}

func (s *Server) handlePendingTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	filter, err := parseTxFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	withMeta, err := queryBool(r, "withMeta", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, limit, err := queryOffsetLimit(r, maxListQueryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pending := s.chain.GetPendingTransactions()
	filtered := make([]chain.PendingTransaction, 0, len(pending))
	for _, item := range pending {
		if filter.match(item.Transaction) {
			filtered = append(filtered, item)
		}
	}
	writePage(w, filtered, offset, limit, withMeta)
}

func (s *Server) handleFinalizedTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	filter, err := parseTxFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	withMeta, err := queryBool(r, "withMeta", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, limit, err := queryOffsetLimit(r, maxListQueryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minHeight, hasMinHeight, err := optionalQueryUint64(r, "minHeight")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxHeight, hasMaxHeight, err := optionalQueryUint64(r, "maxHeight")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	settledOnly, err := queryBool(r, "settled", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	finalized := s.chain.GetFinalizedTransactions()
	filtered := make([]chain.TransactionLookup, 0, len(finalized))
	for _, item := range finalized {
		if !filter.match(item.Transaction) {
			continue
		}
		if settledOnly && item.Receipt == nil {
			continue
		}
		if item.Finalized != nil {
			if hasMinHeight && item.Finalized.Height < minHeight {
				continue
			}
			if hasMaxHeight && item.Finalized.Height > maxHeight {
				continue
			}
		}
		filtered = append(filtered, item)
	}
	writePage(w, filtered, offset, limit, withMeta)
}

func writePage[T any](w http.ResponseWriter, items []T, offset, limit int, withMeta bool) {
	start, end := paginationBounds(len(items), offset, limit)
	page := items[start:end]
	if withMeta {
		writeJSON(w, http.StatusOK, map[string]any{
			"items":   page,
			"total":   len(items),
			"offset":  start,
			"limit":   limit,
			"count":   len(page),
			"hasMore": end < len(items),
		})
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		txID := strings.TrimSpace(r.URL.Query().Get("id"))
		if txID == "" {
			writeError(w, http.StatusBadRequest, errors.New("missing tx id"))
			return
		}
		record, ok := s.chain.GetTransaction(txID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("transaction %s not found", txID))
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodPost:
		idempotent, err := queryBool(r, "idempotent", false)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var tx chain.Transaction
		if err := decodeJSON(r, &tx); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		txID, err := s.chain.SubmitTx(tx)
		if err != nil {
			if isDuplicate(err) && idempotent {
				resp := map[string]any{
					"ok":         true,
					"idempotent": true,
					"duplicate":  true,
					"txId":       tx.ID(),
				}
				if record, ok := s.chain.GetTransaction(tx.ID()); ok {
					resp["state"] = record.State
				}
				writeJSON(w, http.StatusOK, resp)
				return
			}
			writeError(w, submitErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"txId": txID})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleWalletNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowDevSigning {
		writeError(w, http.StatusForbidden, errors.New("wallet generation endpoint is disabled"))
		return
	}
	pub, priv, address, err := chain.GenerateKeypair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":    string(address),
		"pubKey":     pub,
		"privateKey": priv,
	})
}

type signRequest struct {
	PrivateKey  string              `json:"privateKey"`
	Kind        string              `json:"kind"`
	To          chain.Address       `json:"to"`
	Bond        string              `json:"bond"`
	Asset       ledger.AssetID      `json:"asset"`
	Amount      uint64              `json:"amount"`
	Value       uint64              `json:"value"`
	Frozen      bool                `json:"frozen"`
	Fee         uint64              `json:"fee"`
	Nonce       uint64              `json:"nonce"`
	Timestamp   int64               `json:"timestamp"`
	Terms       *bond.Terms         `json:"terms"`
	AssetParams *chain.AssetParams  `json:"assetParams"`
	AssetConfig *ledger.AssetConfig `json:"assetConfig"`
	Offer       *chain.TradeOffer   `json:"offer"`
}

// signedTx decodes a sign request and returns the signed transaction,
// filling nonce and timestamp when absent.
func (s *Server) signedTx(r *http.Request) (chain.Transaction, int, error) {
	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		return chain.Transaction{}, http.StatusBadRequest, err
	}
	if req.PrivateKey == "" {
		return chain.Transaction{}, http.StatusBadRequest, errors.New("missing privateKey")
	}
	_, from, err := chain.PublicAndAddressFromPrivateKeyHex(req.PrivateKey)
	if err != nil {
		return chain.Transaction{}, http.StatusBadRequest, err
	}
	if req.Nonce == 0 {
		nonce, err := s.chain.NextNonce(from)
		if err != nil {
			return chain.Transaction{}, http.StatusBadRequest, err
		}
		req.Nonce = nonce
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}
	if req.Fee == 0 {
		req.Fee = s.chain.MinTxFee()
	}

	tx := chain.Transaction{
		Kind:        req.Kind,
		From:        from,
		To:          req.To,
		Bond:        req.Bond,
		Asset:       req.Asset,
		Amount:      req.Amount,
		Value:       req.Value,
		Frozen:      req.Frozen,
		Fee:         req.Fee,
		Nonce:       req.Nonce,
		Timestamp:   req.Timestamp,
		Terms:       req.Terms,
		AssetParams: req.AssetParams,
		AssetConfig: req.AssetConfig,
		Offer:       req.Offer,
	}
	if err := chain.SignTransaction(&tx, req.PrivateKey); err != nil {
		return chain.Transaction{}, http.StatusBadRequest, err
	}
	return tx, http.StatusOK, nil
}

func (s *Server) handleSignTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowDevSigning {
		writeError(w, http.StatusForbidden, errors.New("tx signing endpoint is disabled"))
		return
	}
	tx, status, err := s.signedTx(r)
	if err != nil {
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tx":   tx,
		"txId": tx.ID(),
	})
}

func (s *Server) handleSignAndSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowDevSigning {
		writeError(w, http.StatusForbidden, errors.New("sign-and-submit endpoint is disabled"))
		return
	}
	tx, status, err := s.signedTx(r)
	if err != nil {
		writeError(w, status, err)
		return
	}
	txID, err := s.chain.SubmitTx(tx)
	if err != nil {
		writeError(w, submitErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"tx":   tx,
		"txId": txID,
	})
}

func (s *Server) handleAdminProduce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	block, err := s.chain.ProduceOnce()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("block produced on request",
		zap.String("request_id", RequestID(r.Context())),
		zap.Uint64("height", block.Height),
		zap.Int("txs", len(block.Transactions)),
	)
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleAdminSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	if s.snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("snapshots are not configured"))
		return
	}
	location, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := s.chain.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"location": location,
		"height":   status.Height,
		"headHash": status.HeadHash,
	})
}

func isDuplicate(err error) bool {
	return errors.Is(err, chain.ErrDuplicateTransaction) || errors.Is(err, chain.ErrTransactionAlreadyFinalized)
}

func submitErrorStatus(err error) int {
	switch {
	case isDuplicate(err):
		return http.StatusConflict
	case errors.Is(err, chain.ErrMempoolFull), errors.Is(err, chain.ErrMempoolAccountLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func queryErrorStatus(err error) int {
	if errors.Is(err, bond.ErrUnknownInstrument) || errors.Is(err, ledger.ErrUnknownAsset) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" {
		return true
	}
	provided := r.Header.Get("X-Admin-Token")
	if provided == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing admin token"))
		return false
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func queryBool(r *http.Request, key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s query parameter", key)
	}
	return parsed, nil
}

func queryOffsetLimit(r *http.Request, maxLimit int) (offset int, limit int, err error) {
	offsetRaw := strings.TrimSpace(r.URL.Query().Get("offset"))
	if offsetRaw != "" {
		offset, err = strconv.Atoi(offsetRaw)
		if err != nil {
			return 0, 0, errors.New("invalid offset query parameter")
		}
		if offset < 0 {
			return 0, 0, errors.New("offset query parameter must be >= 0")
		}
	}

	limit = -1
	limitRaw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if limitRaw != "" {
		limit, err = strconv.Atoi(limitRaw)
		if err != nil {
			return 0, 0, errors.New("invalid limit query parameter")
		}
		if limit < 0 {
			return 0, 0, errors.New("limit query parameter must be >= 0")
		}
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit, nil
}

func optionalQueryUint64(r *http.Request, key string) (value uint64, provided bool, err error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, false, nil
	}
	parsed, parseErr := strconv.ParseUint(raw, 10, 64)
	if parseErr != nil {
		return 0, true, fmt.Errorf("invalid %s query parameter", key)
	}
	return parsed, true, nil
}

func paginationBounds(total, offset, limit int) (start int, end int) {
	start = offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	if limit < 0 {
		return start, total
	}
	end = start + limit
	if end > total {
		end = total
	}
	if end < start {
		end = start
	}
	return start, end
}

func txKindOrTransfer(tx chain.Transaction) string {
	kind := strings.ToLower(strings.TrimSpace(tx.Kind))
	if kind == "" {
		return chain.TxKindTransfer
	}
	return kind
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("request body must contain one JSON object")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
