package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mailsync/backend/internal/credentials"
	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/storage"
)

var (
	ErrAddressInvalid  = errors.New("address invalid")
	ErrProviderInvalid = errors.New("provider invalid")
)

// AccountService 封装账户接入相关业务操作。
// 提供商凭证入库前在这里加密，离开存储后只有
// 同步编排器在发起远程调用时才解密。
type AccountService struct {
	store storage.Store
	box   *credentials.Box
}

// NewAccountService 创建账户业务服务。
func NewAccountService(store storage.Store, box *credentials.Box) *AccountService {
	return &AccountService{store: store, box: box}
}

// ConnectAccountInput 定义接入账户所需的输入。
type ConnectAccountInput struct {
	UserID      string
	Address     string
	Provider    string
	Credentials []byte // 明文凭证，入库前加密
	// 周期同步间隔（秒），0 表示不做周期同步
	SyncIntervalSeconds int
}

// Connect 接入一个远程邮箱账户。
func (s *AccountService) Connect(input ConnectAccountInput) (*domain.Account, error) {
	address := strings.TrimSpace(strings.ToLower(input.Address))
	if address == "" || !strings.Contains(address, "@") {
		return nil, ErrAddressInvalid
	}
	if strings.TrimSpace(input.Provider) == "" {
		return nil, ErrProviderInvalid
	}

	sealed, err := s.box.Seal(input.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to seal credentials: %w", err)
	}

	account := &domain.Account{
		ID:                  uuid.NewString(),
		UserID:              input.UserID,
		Address:             address,
		Provider:            input.Provider,
		Credentials:         sealed,
		SyncStatus:          domain.SyncStatusIdle,
		SyncIntervalSeconds: input.SyncIntervalSeconds,
	}
	if err := s.store.SaveAccount(account); err != nil {
		return nil, err
	}
	return account, nil
}

// Get 查询账户，校验调用者归属。
func (s *AccountService) Get(id, userID string) (*domain.Account, error) {
	account, err := s.store.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if userID != "" && account.UserID != userID {
		return nil, domain.ErrUnauthorized
	}
	return account, nil
}

// List 返回调用者的全部账户。
func (s *AccountService) List(userID string) ([]domain.Account, error) {
	return s.store.ListAccountsByUserID(userID)
}

// Delete 删除账户，校验调用者归属。
func (s *AccountService) Delete(id, userID string) error {
	if _, err := s.Get(id, userID); err != nil {
		return err
	}
	return s.store.DeleteAccount(id)
}

// AccountOverview 账户概览统计。
type AccountOverview struct {
	Account  *domain.Account `json:"account"`
	Threads  int             `json:"threads"`
	Messages int             `json:"messages"`
}

// Overview 返回账户及其数据量概览。
func (s *AccountService) Overview(id, userID string) (*AccountOverview, error) {
	account, err := s.Get(id, userID)
	if err != nil {
		return nil, err
	}
	threads, err := s.store.CountThreads(id)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.CountMessages(id)
	if err != nil {
		return nil, err
	}
	return &AccountOverview{Account: account, Threads: threads, Messages: messages}, nil
}
