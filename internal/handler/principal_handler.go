package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/canvassync/internal/credential"
	"github.com/hitoshi/canvassync/internal/middleware"
)

// CredentialRegistrar はプリンシパルの資格情報を登録する。
type CredentialRegistrar interface {
	Register(ctx context.Context, principalID, accessToken string, expiresAt *time.Time, canvasUserID *int64) error
}

// PrincipalHandler はプリンシパル登録のHTTPハンドラー。
type PrincipalHandler struct {
	creds  CredentialRegistrar
	logger *slog.Logger
}

// NewPrincipalHandler はPrincipalHandlerを生成する。
func NewPrincipalHandler(creds CredentialRegistrar, logger *slog.Logger) *PrincipalHandler {
	return &PrincipalHandler{creds: creds, logger: logger}
}

// registerPrincipalRequest はプリンシパル登録リクエストのボディ。
type registerPrincipalRequest struct {
	PrincipalID  string     `json:"principal_id" validate:"required,max=128,printascii"`
	AccessToken  string     `json:"access_token" validate:"required,max=4096"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CanvasUserID *int64     `json:"canvas_user_id,omitempty" validate:"omitempty,gt=0"`
}

type registerPrincipalResponse struct {
	PrincipalID string     `json:"principal_id"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RegisterPrincipal はプリンシパルのアクセストークンを登録または置き換える。
// POST /api/principals
func (h *PrincipalHandler) RegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	var req registerPrincipalRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		writeBadRequest(w, "expires_at が過去の日時です")
		return
	}

	err := h.creds.Register(r.Context(), req.PrincipalID, req.AccessToken, req.ExpiresAt, req.CanvasUserID)
	if errors.Is(err, credential.ErrTokenRejected) {
		writeBadRequest(w, "Canvas がアクセストークンを拒否しました")
		return
	}
	if err != nil {
		h.logger.Error("プリンシパルの登録に失敗しました",
			slog.String("principal_id", req.PrincipalID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, registerPrincipalResponse{
		PrincipalID: req.PrincipalID,
		ExpiresAt:   req.ExpiresAt,
	})
}
