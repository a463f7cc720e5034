package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/sourcewatch/internal/storage"
)

type monitorResponse struct {
	ChainID      uint64 `json:"chainId"`
	Name         string `json:"name"`
	State        string `json:"state"`
	Cursor       uint64 `json:"cursor"`
	PollInterval string `json:"pollInterval"`
}

type matchResponse struct {
	ChainID          uint64            `json:"chainId"`
	Address          string            `json:"address"`
	Status           string            `json:"status"`
	ContractName     string            `json:"contractName"`
	CompilerVersion  string            `json:"compilerVersion"`
	MetadataAddress  string            `json:"metadataAddress,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	Metadata         string            `json:"metadata,omitempty"`
	DeployedBytecode string            `json:"deployedBytecode,omitempty"`
	CompiledBytecode string            `json:"compiledBytecode,omitempty"`
	Sources          map[string]string `json:"sources,omitempty"`
}

type listMatchesResponse struct {
	Data    []matchResponse `json:"data"`
	HasMore bool            `json:"hasMore"`
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	statuses := s.monitors.Status()
	resp := make([]monitorResponse, 0, len(statuses))
	for _, st := range statuses {
		resp = append(resp, monitorResponse{
			ChainID:      st.ChainID,
			Name:         st.Name,
			State:        string(st.State),
			Cursor:       st.Cursor,
			PollInterval: st.PollInterval.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": resp})
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter storage.MatchFilter
	if v := q.Get("chainId"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CHAIN_ID", "chainId must be a positive integer")
			return
		}
		filter.ChainID = id
	}
	switch status := q.Get("status"); status {
	case "", "perfect", "partial":
		filter.Status = status
	default:
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", "status must be perfect or partial")
		return
	}

	var page storage.PaginationParams
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_PAGINATION", name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	result, err := s.store.ListMatches(r.Context(), filter, page)
	if err != nil {
		s.logger.Error("listing matches failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list matches")
		return
	}

	resp := listMatchesResponse{Data: make([]matchResponse, 0, len(result.Data)), HasMore: result.HasMore}
	for i := range result.Data {
		resp.Data = append(resp.Data, toMatchResponse(&result.Data[i], false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(chi.URLParam(r, "chainID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CHAIN_ID", "chain ID must be a positive integer")
		return
	}
	address := chi.URLParam(r, "address")
	if !common.IsHexAddress(address) {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "address must be a 20-byte hex address")
		return
	}

	m, err := s.store.GetMatch(r.Context(), chainID, address)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no match for this contract")
		return
	}
	if err != nil {
		s.logger.Error("getting match failed", "chain_id", chainID, "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to get match")
		return
	}

	writeJSON(w, http.StatusOK, toMatchResponse(m, true))
}

// toMatchResponse converts a stored match. Bytecode, metadata and sources
// are only included in the detailed form.
func toMatchResponse(m *storage.Match, detailed bool) matchResponse {
	resp := matchResponse{
		ChainID:         m.ChainID,
		Address:         common.HexToAddress(m.Address).Hex(),
		Status:          m.Status,
		ContractName:    m.ContractName,
		CompilerVersion: m.CompilerVersion,
		MetadataAddress: m.MetadataAddress,
		CreatedAt:       m.CreatedAt.UTC(),
	}
	if detailed {
		resp.Metadata = string(m.Metadata)
		resp.DeployedBytecode = hexutil.Encode(m.DeployedBytecode)
		resp.CompiledBytecode = hexutil.Encode(m.CompiledBytecode)
		resp.Sources = m.Sources
	}
	return resp
}
