// Package credential はプリンシパルごとのCanvasアクセストークンを管理する。
// トークンは暗号化して保存し、同期処理には復号したBearerトークンを渡す。
// OAuthによるトークン取得は外部の認証基盤が担い、ここでは登録済みトークンのみを扱う。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/canvassync/internal/canvas"
	"github.com/hitoshi/canvassync/internal/model"
	"github.com/hitoshi/canvassync/internal/repository"
)

var (
	// ErrPrincipalNotFound はプリンシパルが登録されていないことを示す。
	ErrPrincipalNotFound = errors.New("プリンシパルが登録されていません")
	// ErrTokenUnusable はトークンが期限切れまたは無効化済みであることを示す。
	ErrTokenUnusable = errors.New("アクセストークンが利用できません")
	// ErrTokenRejected は登録時にCanvasがトークンを拒否したことを示す。
	ErrTokenRejected = errors.New("アクセストークンがCanvasに拒否されました")
)

// UserResolver は登録済みトークンの所有者のCanvasユーザーIDを問い合わせる。
type UserResolver interface {
	CanvasUserID(ctx context.Context, principalID string) (int64, error)
}

// Service はプリンシパルの資格情報を提供する。
type Service struct {
	repo      repository.PrincipalRepository
	encryptor *TokenEncryptor
	logger    *slog.Logger
	resolver  UserResolver
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.PrincipalRepository, encryptor *TokenEncryptor, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		encryptor: encryptor,
		logger:    logger,
		now:       time.Now,
	}
}

// SetUserResolver は登録時のトークン確認に使う UserResolver を設定する。
// Canvasクライアントが Service をトークン供給元として使うため、生成後に設定する。
func (s *Service) SetUserResolver(r UserResolver) {
	s.resolver = r
}

// Register はプリンシパルのアクセストークンを暗号化して登録する。
// 既存のプリンシパルの場合はトークンを置き換え、無効化状態を解除する。
// UserResolver が設定されていて canvasUserID が未指定の場合はCanvasに問い合わせて補完する。
// Canvasが401を返したトークンは無効化したうえで ErrTokenRejected を返す。
func (s *Service) Register(ctx context.Context, principalID, accessToken string, expiresAt *time.Time, canvasUserID *int64) error {
	if principalID == "" || accessToken == "" {
		return errors.New("プリンシパルIDとアクセストークンは必須です")
	}

	encrypted, err := s.encryptor.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("アクセストークンの暗号化に失敗しました: %w", err)
	}

	now := s.now()
	p := &model.Principal{
		ID:                   principalID,
		CanvasUserID:         canvasUserID,
		EncryptedAccessToken: encrypted,
		TokenExpiresAt:       expiresAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Upsert(ctx, p); err != nil {
		return fmt.Errorf("プリンシパルの登録に失敗しました: %w", err)
	}

	if s.resolver != nil && canvasUserID == nil {
		if err := s.resolveCanvasUser(ctx, p); err != nil {
			return err
		}
	}

	s.logger.Info("プリンシパルの資格情報を登録しました",
		slog.String("principal_id", principalID),
	)
	return nil
}

// resolveCanvasUser は登録直後のトークンでCanvasユーザーIDを取得して保存する。
// 401以外の失敗では登録を取り消さない。
func (s *Service) resolveCanvasUser(ctx context.Context, p *model.Principal) error {
	userID, err := s.resolver.CanvasUserID(ctx, p.ID)
	if errors.Is(err, canvas.ErrUnauthorized) {
		if merr := s.repo.MarkInvalidated(ctx, p.ID, s.now()); merr != nil {
			return fmt.Errorf("アクセストークンの無効化に失敗しました: %w", merr)
		}
		s.logger.Warn("Canvasがアクセストークンを拒否しました",
			slog.String("principal_id", p.ID),
		)
		return fmt.Errorf("%w: %s", ErrTokenRejected, p.ID)
	}
	if err != nil {
		s.logger.Warn("CanvasユーザーIDを取得できませんでした",
			slog.String("principal_id", p.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	p.CanvasUserID = &userID
	p.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, p); err != nil {
		return fmt.Errorf("CanvasユーザーIDの保存に失敗しました: %w", err)
	}
	return nil
}

// BearerToken は同期に使うBearerトークンを返す。
func (s *Service) BearerToken(ctx context.Context, principalID string) (string, error) {
	p, err := s.repo.FindByID(ctx, principalID)
	if err != nil {
		return "", fmt.Errorf("プリンシパルの取得に失敗しました: %w", err)
	}
	if p == nil {
		return "", fmt.Errorf("%w: %s", ErrPrincipalNotFound, principalID)
	}
	if !p.HasUsableToken(s.now()) {
		return "", fmt.Errorf("%w: %s", ErrTokenUnusable, principalID)
	}

	token, err := s.encryptor.Decrypt(p.EncryptedAccessToken)
	if err != nil {
		return "", fmt.Errorf("アクセストークンの復号に失敗しました: %w", err)
	}
	return token, nil
}

// IsValid はプリンシパルが有効なトークンを持っているかを返す。
func (s *Service) IsValid(ctx context.Context, principalID string) (bool, error) {
	p, err := s.repo.FindByID(ctx, principalID)
	if err != nil {
		return false, fmt.Errorf("プリンシパルの取得に失敗しました: %w", err)
	}
	return p != nil && p.HasUsableToken(s.now()), nil
}

// ListValidPrincipals は有効なトークンを持つプリンシパルIDを返す。
func (s *Service) ListValidPrincipals(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ListUsableIDs(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("有効なプリンシパルの取得に失敗しました: %w", err)
	}
	return ids, nil
}

// Refresh はCanvasが401を返したプリンシパルのトークンを無効化する。
// 新しいトークンが Register されるまで、そのプリンシパルは同期対象から外れる。
func (s *Service) Refresh(ctx context.Context, principalID string) error {
	if err := s.repo.MarkInvalidated(ctx, principalID, s.now()); err != nil {
		return fmt.Errorf("アクセストークンの無効化に失敗しました: %w", err)
	}
	s.logger.Warn("アクセストークンを無効化しました。再登録が必要です",
		slog.String("principal_id", principalID),
	)
	return nil
}
