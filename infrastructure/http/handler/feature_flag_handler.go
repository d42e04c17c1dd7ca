package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fixora/flagsync/application/port/inbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/http/middleware"
	"github.com/fixora/flagsync/infrastructure/http/response"
	"github.com/fixora/flagsync/infrastructure/http/validator"
)

const maxBodyBytes = 1 << 16

type FeatureFlagHandler struct {
	useCase inbound.FeatureFlagUseCase
}

func NewFeatureFlagHandler(useCase inbound.FeatureFlagUseCase) *FeatureFlagHandler {
	return &FeatureFlagHandler{
		useCase: useCase,
	}
}

// ListFlags handles GET /v1/orgs/{org}/flags
func (h *FeatureFlagHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Unauthorized(w, "User not authenticated")
		return
	}

	resp, err := h.useCase.ListFlags(r.Context(), actor, mux.Vars(r)["org"])
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Feature flags retrieved successfully", resp)
}

// CreateFlag handles POST /v1/orgs/{org}/flags
func (h *FeatureFlagHandler) CreateFlag(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Unauthorized(w, "User not authenticated")
		return
	}

	var req inbound.CreateFlagRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	req.OrganizationID = mux.Vars(r)["org"]

	if !validator.ValidateRequired(req.Key) {
		response.BadRequest(w, "Key is required")
		return
	}
	if !validator.ValidateFlagKey(req.Key) {
		response.BadRequest(w, "Invalid flag key format")
		return
	}

	flag, err := h.useCase.CreateFlag(r.Context(), actor, req)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, http.StatusCreated, "Feature flag created successfully", flag)
}

// ToggleFlag handles POST /v1/orgs/{org}/flags/{key}/toggle. An empty body flips the flag.
func (h *FeatureFlagHandler) ToggleFlag(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Unauthorized(w, "User not authenticated")
		return
	}

	var req inbound.ToggleFlagRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && err != io.EOF {
		response.BadRequest(w, "Invalid request body")
		return
	}

	vars := mux.Vars(r)
	intent := entity.ToggleIntent{
		OrganizationID:  vars["org"],
		Key:             vars["key"],
		ExpectedVersion: req.ExpectedVersion,
		RequestedValue:  req.IsEnabled,
	}

	event, err := h.useCase.ToggleFlag(r.Context(), actor, intent)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Feature flag updated successfully", event)
}

// QueryAudit handles GET /v1/orgs/{org}/audit?key=&actor=&since=&until=&limit=
func (h *FeatureFlagHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Unauthorized(w, "User not authenticated")
		return
	}

	q := r.URL.Query()
	since, ok := validator.ParseTime(q.Get("since"))
	if !ok {
		response.BadRequest(w, "Invalid since parameter, expected RFC3339")
		return
	}
	until, ok := validator.ParseTime(q.Get("until"))
	if !ok {
		response.BadRequest(w, "Invalid until parameter, expected RFC3339")
		return
	}
	limit, ok := validator.ParseLimit(q.Get("limit"))
	if !ok {
		response.BadRequest(w, "Invalid limit parameter")
		return
	}

	records, err := h.useCase.QueryAudit(r.Context(), actor, inbound.AuditQueryRequest{
		OrganizationID: mux.Vars(r)["org"],
		Key:            q.Get("key"),
		Actor:          q.Get("actor"),
		Since:          since,
		Until:          until,
		Limit:          limit,
	})
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Audit records retrieved successfully", records)
}
