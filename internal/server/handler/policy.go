package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/infra"
	"github.com/xela07ax/treasury-gate/internal/policy"
)

// PolicyStore — CRUD-контракт хранилища политик.
type PolicyStore interface {
	Create(ctx context.Context, p *domain.Policy) error
	GetByID(ctx context.Context, ownerID, id string) (*domain.Policy, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Policy, error)
	Update(ctx context.Context, p *domain.Policy) error
	Delete(ctx context.Context, ownerID, id string) error
}

// Validator — проверка гипотетического платежа без исполнения.
type Validator interface {
	ValidatePayment(ctx context.Context, vc domain.ValidationContext) (domain.ValidationSummary, error)
}

type PolicyHandler struct {
	store     PolicyStore
	validator Validator
	logger    *zap.Logger
}

func NewPolicyHandler(store PolicyStore, validator Validator, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{store: store, validator: validator, logger: logger.Named("policy-api")}
}

// Тело Create/Update. Enabled через указатель: отсутствие поля в JSON
// означает "включена", а не false.
type policyRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Enabled     *bool         `json:"enabled"`
	Rules       []domain.Rule `json:"rules"`
}

// List возвращает все политики владельца
// GET /api/policy
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.ListByOwner(r.Context(), infra.OwnerIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("list policies failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch policies")
		return
	}
	if policies == nil {
		policies = []domain.Policy{}
	}
	respondJSON(w, http.StatusOK, policies)
}

// Create создает новую политику владельца
// POST /api/policy
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Policy name is required")
		return
	}
	// Конфиг правил проверяем до сохранения: битая политика в БД
	// превратится в вечный отказ платежей (Fail Closed)
	if err := policy.ValidateRules(req.Rules); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := domain.Policy{
		ID:          uuid.New().String(),
		OwnerID:     infra.OwnerIDFromContext(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled == nil || *req.Enabled,
		Rules:       req.Rules,
	}

	if err := h.store.Create(r.Context(), &p); err != nil {
		h.logger.Error("create policy failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create policy")
		return
	}

	h.logger.Info("policy created",
		zap.String("policy_id", p.ID),
		zap.String("owner_id", p.OwnerID),
		zap.String("name", p.Name),
	)
	respondJSON(w, http.StatusCreated, p)
}

// Get возвращает детали конкретной политики по её ID.
// GET /api/policy/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.store.GetByID(r.Context(), infra.OwnerIDFromContext(r.Context()), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to retrieve policy")
		return
	}
	// Если политика не найдена (nil), возвращаем 404
	if p == nil {
		respondError(w, http.StatusNotFound, "Policy not found")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Update обновляет существующую политику (правила, имя, флаг enabled)
// PUT /api/policy/{id}
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Policy name is required")
		return
	}
	if err := policy.ValidateRules(req.Rules); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := domain.Policy{
		ID:          id,
		OwnerID:     infra.OwnerIDFromContext(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled == nil || *req.Enabled,
		Rules:       req.Rules,
	}

	if err := h.store.Update(r.Context(), &p); err != nil {
		if errors.Is(err, domain.ErrPolicyNotFound) {
			respondError(w, http.StatusNotFound, "Policy not found")
			return
		}
		h.logger.Error("update policy failed", zap.String("policy_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to update policy")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Delete удаляет политику по ID
// DELETE /api/policy/{id}
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Delete(r.Context(), infra.OwnerIDFromContext(r.Context()), id); err != nil {
		if errors.Is(err, domain.ErrPolicyNotFound) {
			respondError(w, http.StatusNotFound, "Policy not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to delete policy")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validateRequest struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Category  string `json:"category"`
	Approved  bool   `json:"approved"`
}

// Validate прогоняет гипотетический платеж через Policy Engine
// без резервирования и перевода ("что будет, если я заплачу").
// POST /api/policy/validate
func (h *PolicyHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	if req.Recipient == "" {
		respondError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	summary, err := h.validator.ValidatePayment(r.Context(), domain.ValidationContext{
		OwnerID:   infra.OwnerIDFromContext(r.Context()),
		Amount:    amount,
		Recipient: req.Recipient,
		Category:  req.Category,
		Approved:  req.Approved,
	})
	if err != nil {
		h.logger.Error("validate payment failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Validation failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
