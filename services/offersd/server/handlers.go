package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"offerbook/core/host"
	"offerbook/core/types"
	"offerbook/native/offers"
	"offerbook/services/offersd/indexer"
)

const (
	defaultPageLimit = 20
	maxBodyBytes     = 1 << 16
	// maxGasTGas keeps gas_tgas * TGas within host.Gas.
	maxGasTGas = math.MaxUint64 / uint64(host.TGas)
)

var errGasTooLarge = fmt.Errorf("gas_tgas must not exceed %d", maxGasTGas)

func requestGas(tgas uint64) (host.Gas, error) {
	if tgas > maxGasTGas {
		return 0, errGasTooLarge
	}
	return host.Gas(tgas) * host.TGas, nil
}

type assetRequest struct {
	Kind     string `json:"kind"`
	Contract string `json:"contract"`
	Amount   string `json:"amount,omitempty"`
	TokenID  string `json:"token_id,omitempty"`
}

func (a assetRequest) asset() (types.Asset, error) {
	kind, err := types.ParseAssetKind(a.Kind)
	if err != nil {
		return types.Asset{}, err
	}
	if kind == types.AssetUnique {
		return types.Unique(a.Contract, a.TokenID).Sanitize()
	}
	amount, err := types.ParseAmount(a.Amount)
	if err != nil {
		return types.Asset{}, err
	}
	return types.Fungible(a.Contract, amount).Sanitize()
}

type depositRequest struct {
	Asset       assetRequest       `json:"asset"`
	Instruction offers.Instruction `json:"instruction"`
	GasTGas     uint64             `json:"gas_tgas,omitempty"`
}

type withdrawRequest struct {
	GasTGas uint64 `json:"gas_tgas,omitempty"`
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"escrow":  s.node.EscrowAccount(),
		"pending": s.node.Pending(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := req.Asset.asset()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	gas, err := requestGas(req.GasTGas)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Deposit(caller, asset, req.Instruction, gas); err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]string{"status": "accepted", "sender": caller}
	if id := strings.TrimSpace(req.Instruction.OfferID); id != "" {
		resp["offerId"] = id
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	gas, err := requestGas(req.GasTGas)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	token, err := s.node.Withdraw(caller, id, gas)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"offerId": id, "token": token})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	state, err := s.node.Offer(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListByMaker(w http.ResponseWriter, r *http.Request) {
	s.listOffers(w, r, s.node.FindByMaker)
}

func (s *Server) handleListByCounterparty(w http.ResponseWriter, r *http.Request) {
	s.listOffers(w, r, s.node.FindByCounterparty)
}

func (s *Server) listOffers(w http.ResponseWriter, r *http.Request, find func(string, uint64, uint64) ([]offers.OfferView, error)) {
	offset, err := queryUint(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryUint(r, "limit", defaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	page, err := find(chi.URLParam(r, "account"), offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offers": page, "offset": offset})
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryUint(r, "limit", defaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := s.node.Settlements(from, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": list})
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	token, err := strconv.ParseUint(chi.URLParam(r, "token"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid token: %w", err))
		return
	}
	settlement, err := s.node.Settlement(token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handleLogEntries(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryUint(r, "limit", defaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.node.LogEntries(from, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"seq":     e.Seq,
			"token":   e.Token,
			"action":  e.Action.String(),
			"offerId": e.OfferID,
			"detail":  e.Detail,
			"at":      e.At,
			"hash":    fmt.Sprintf("%x", e.Hash),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

func (s *Server) handleVerifyLog(w http.ResponseWriter, r *http.Request) {
	checked, err := s.node.VerifyLog()
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "entries": checked})
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.node.Contracts()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]string, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, map[string]string{"name": c.Name, "kind": c.Kind.String()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contracts": out})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	contract, account := chi.URLParam(r, "contract"), chi.URLParam(r, "account")
	balance, err := s.node.Balance(contract, account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"contract": contract,
		"account":  account,
		"balance":  balance.String(),
	})
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	contract, tokenID := chi.URLParam(r, "contract"), chi.URLParam(r, "token")
	owner, ok, err := s.node.Owner(contract, tokenID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("token %s/%s not minted", contract, tokenID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contract": contract, "token": tokenID, "owner": owner})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryUint(r, "limit", indexer.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.index == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.node.Feed().Since(after, int(limit))})
		return
	}
	token, err := queryUint(r, "token", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	records, err := s.index.List(r.Context(), indexer.Filter{
		Type:    q.Get("type"),
		OfferID: q.Get("offer"),
		Token:   token,
		Account: q.Get("account"),
		AfterID: after,
		Limit:   int(limit),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]interface{}{
			"id":         rec.ID,
			"type":       rec.Type,
			"attributes": rec.Decoded(),
			"createdAt":  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func queryUint(r *http.Request, key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
