package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/auth"
	"github.com/jayantna/Contractly/httpx"
	"github.com/jayantna/Contractly/settlement"
)

type partyResponse struct {
	Identity          string `json:"identity"`
	Index             int    `json:"index"`
	RequiresSignature bool   `json:"requiresSignature"`
	RequiresStaking   bool   `json:"requiresStaking"`
	StakeRatio        uint8  `json:"stakeRatio"`
	HasSigned         bool   `json:"hasSigned"`
	StakedAmount      uint64 `json:"stakedAmount"`
	RequiredStake     uint64 `json:"requiredStake"`
}

type agreementResponse struct {
	ID                   uint64          `json:"id"`
	Title                string          `json:"title"`
	Creator              string          `json:"creator"`
	CreatedAt            string          `json:"createdAt"`
	ExpiresAt            string          `json:"expiresAt"`
	BreachableAt         string          `json:"breachableAt"`
	DisputeWindowSeconds int64           `json:"disputeWindowSeconds"`
	TotalStakingAmount   uint64          `json:"totalStakingAmount"`
	HeldTotal            uint64          `json:"heldTotal"`
	Status               string          `json:"status"`
	Parties              []partyResponse `json:"parties"`
}

type payoutResponse struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Reason string `json:"reason"`
}

type planResponse struct {
	Status    string           `json:"status"`
	Held      uint64           `json:"held"`
	Released  uint64           `json:"released"`
	Forfeited uint64           `json:"forfeited"`
	Split     string           `json:"split,omitempty"`
	Payouts   []payoutResponse `json:"payouts"`
}

func toPartyResponse(v agreement.PartyView) partyResponse {
	return partyResponse{
		Identity:          v.Identity,
		Index:             v.Index,
		RequiresSignature: v.RequiresSignature,
		RequiresStaking:   v.RequiresStaking,
		StakeRatio:        v.StakeRatio,
		HasSigned:         v.HasSigned,
		StakedAmount:      v.StakedAmount,
		RequiredStake:     v.RequiredStake,
	}
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	resp := agreementResponse{
		ID:                   a.ID,
		Title:                a.Title,
		Creator:              a.Creator,
		CreatedAt:            a.CreationTime.UTC().Format(time.RFC3339),
		ExpiresAt:            a.ExpirationTime.UTC().Format(time.RFC3339),
		BreachableAt:         a.BreachableAt().UTC().Format(time.RFC3339),
		DisputeWindowSeconds: int64(a.DisputeWindow / time.Second),
		TotalStakingAmount:   a.TotalStakingAmount,
		HeldTotal:            a.HeldTotal(),
		Status:               string(a.Status),
		Parties:              make([]partyResponse, 0, len(a.PartyAddresses)),
	}
	for i, id := range a.PartyAddresses {
		p := a.Parties[id]
		var required uint64
		if p.RequiresStaking {
			required = settlement.RequiredStake(a.TotalStakingAmount, p.StakeRatio)
		}
		resp.Parties = append(resp.Parties, partyResponse{
			Identity:          id,
			Index:             i,
			RequiresSignature: p.RequiresSignature,
			RequiresStaking:   p.RequiresStaking,
			StakeRatio:        p.StakeRatio,
			HasSigned:         p.HasSigned,
			StakedAmount:      a.Stakes[id],
			RequiredStake:     required,
		})
	}
	return resp
}

func toPlanResponse(status agreement.Status, plan settlement.Plan) planResponse {
	resp := planResponse{
		Status:    string(status),
		Held:      plan.Held,
		Released:  plan.Total(),
		Forfeited: plan.Forfeited,
		Split:     string(plan.Split),
		Payouts:   make([]payoutResponse, 0, len(plan.Payouts)),
	}
	for _, p := range plan.Payouts {
		resp.Payouts = append(resp.Payouts, payoutResponse{To: p.To, Amount: p.Amount, Reason: string(p.Reason)})
	}
	return resp
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.tokens.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httpx.WriteError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
			return
		}
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"token":     res.Token,
		"identity":  res.Identity,
		"role":      res.Role,
		"expiresAt": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRegisterCredential(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.tokens.Register(r.Context(), req)
	switch {
	case errors.Is(err, auth.ErrDuplicateIdentity):
		httpx.WriteError(w, r, http.StatusConflict, "DUPLICATE_IDENTITY", err.Error(), nil)
		return
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrEmptyIdentity):
		httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	case err != nil:
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"identity":  c.Identity,
		"createdAt": c.CreatedAt.UTC().Format(time.RFC3339),
	})
}

type callerRequest struct {
	Identity string `json:"identity" validate:"required,max=128"`
}

func (s *Server) handleAuthorizeCaller(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.Authorize(r.Context(), callerFrom(r), req.Identity); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"identity": req.Identity, "authorized": true})
}

func (s *Server) handleRevokeCaller(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if err := s.registry.Revoke(r.Context(), callerFrom(r), identity); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCallerStatus(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	ok, err := s.engine.IsAuthorized(r.Context(), identity)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"identity": identity, "authorized": ok, "owner": s.registry.Owner() == identity})
}

type creditRequest struct {
	Amount uint64 `json:"amount" validate:"gt=0"`
}

func (s *Server) handleCreditWallet(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !s.decode(w, r, &req) {
		return
	}
	identity := chi.URLParam(r, "identity")
	if err := s.wallets.Credit(r.Context(), identity, req.Amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeBalance(w, r, identity)
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	s.writeBalance(w, r, chi.URLParam(r, "identity"))
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, identity string) {
	balance, err := s.wallets.Balance(r.Context(), identity)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"identity": identity, "balance": balance})
}

type createAgreementRequest struct {
	Title                string    `json:"title" validate:"max=256"`
	Creator              string    `json:"creator" validate:"max=128"`
	ExpirationTime       time.Time `json:"expirationTime"`
	DisputeWindowSeconds int64     `json:"disputeWindowSeconds" validate:"gte=0"`
	TotalStakingAmount   uint64    `json:"totalStakingAmount"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.engine.CreateAgreement(r.Context(), callerFrom(r), agreement.CreateParams{
		Title:              req.Title,
		Creator:            req.Creator,
		ExpirationTime:     req.ExpirationTime,
		DisputeWindow:      time.Duration(req.DisputeWindowSeconds) * time.Second,
		TotalStakingAmount: req.TotalStakingAmount,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := agreement.ListFilters{Status: agreement.Status(q.Get("status"))}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			httpx.WriteError(w, r, http.StatusBadRequest, "BAD_QUERY", "page must be a positive integer", nil)
			return
		}
		filters.Page = page
	}
	if v := q.Get("pageSize"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			httpx.WriteError(w, r, http.StatusBadRequest, "BAD_QUERY", "pageSize must be a positive integer", nil)
			return
		}
		filters.PageSize = size
	}

	list, total, err := s.engine.List(r.Context(), filters)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	items := make([]agreementResponse, 0, len(list))
	for _, a := range list {
		items = append(items, toAgreementResponse(a))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	a, err := s.engine.Agreement(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	met, err := s.engine.AllConditionsMet(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "allConditionsMet": met})
}

// handleParties walks the party list by position.
func (s *Server) handleParties(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	n, err := s.engine.PartyCount(ctx, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	items := make([]partyResponse, 0, n)
	for i := 0; i < n; i++ {
		addr, err := s.engine.PartyAddressAt(ctx, id, i)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		view, err := s.engine.Party(ctx, id, addr)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		items = append(items, toPartyResponse(view))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "total": n})
}

func (s *Server) handleParty(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	view, err := s.engine.Party(r.Context(), id, chi.URLParam(r, "party"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toPartyResponse(view))
}

type addPartyRequest struct {
	Party             string `json:"party" validate:"required,max=128"`
	RequiresSignature bool   `json:"requiresSignature"`
	RequiresStaking   bool   `json:"requiresStaking"`
	StakeRatio        uint8  `json:"stakeRatio" validate:"lte=100"`
}

func (s *Server) handleAddParty(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req addPartyRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.engine.AddParty(r.Context(), callerFrom(r), id, agreement.AddPartyParams{
		Party:             req.Party,
		RequiresSignature: req.RequiresSignature,
		RequiresStaking:   req.RequiresStaking,
		StakeRatio:        req.StakeRatio,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	view, err := s.engine.Party(r.Context(), id, req.Party)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toPartyResponse(view))
}

type partyRequest struct {
	Party string `json:"party" validate:"required"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req partyRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, err := s.engine.Sign(r.Context(), callerFrom(r), id, req.Party)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "party": req.Party, "status": status})
}

type stakeRequest struct {
	Party  string `json:"party" validate:"required"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req stakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, err := s.engine.Stake(r.Context(), callerFrom(r), id, req.Party, req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "party": req.Party, "amount": req.Amount, "status": status})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Lock(r.Context(), callerFrom(r), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "status": agreement.StatusLocked})
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	plan, err := s.engine.Fulfill(r.Context(), callerFrom(r), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toPlanResponse(agreement.StatusFulfilled, plan))
}

func (s *Server) handleBreach(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req partyRequest
	if !s.decode(w, r, &req) {
		return
	}
	plan, err := s.engine.Breach(r.Context(), callerFrom(r), id, req.Party)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toPlanResponse(agreement.StatusBreached, plan))
}
