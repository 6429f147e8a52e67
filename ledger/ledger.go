// Package ledger 負責錢包帳本的記帳
//
// ledger 不會自己開交易，所有操作都在呼叫端的交易中執行，
// 且呼叫端必須已經用 store.LockAccount 鎖定帳戶
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bidmart/bizerr"
	"bidmart/models"
)

// Posting 描述一筆要寫入帳本的變動，Amount 一律為正數，方向由 Credit/Debit 決定
type Posting struct {
	Amount      decimal.Decimal
	Type        models.WalletTransactionType
	ReferenceID string
	Description string
}

// Apply 計算記帳後的餘額
func Apply(before, amount decimal.Decimal) decimal.Decimal {
	return before.Add(amount)
}

// Credit 增加帳戶餘額並寫入一筆帳本紀錄
func Credit(tx *gorm.DB, account *models.Account, posting Posting, at time.Time) (*models.WalletTransaction, error) {
	if err := validateAmount(posting.Amount); err != nil {
		return nil, err
	}
	return post(tx, account, posting.Amount, posting, at)
}

// Debit 扣除帳戶餘額並寫入一筆帳本紀錄，餘額不足時回傳 InsufficientBalance
func Debit(tx *gorm.DB, account *models.Account, posting Posting, at time.Time) (*models.WalletTransaction, error) {
	if err := validateAmount(posting.Amount); err != nil {
		return nil, err
	}
	if account.MonetaryBalance.LessThan(posting.Amount) {
		return nil, bizerr.ErrInsufficientBalance
	}
	return post(tx, account, posting.Amount.Neg(), posting, at)
}

func validateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return bizerr.ErrInvalidInput.WithMessage("posting amount must be positive")
	case !models.IsMoney(amount):
		return bizerr.ErrInvalidInput.WithMessage("posting amount allows at most %d decimal places", models.MoneyPlaces)
	}
	return nil
}

func post(tx *gorm.DB, account *models.Account, amount decimal.Decimal, posting Posting, at time.Time) (*models.WalletTransaction, error) {
	const op = "post"

	var last int64
	err := tx.Model(&models.WalletTransaction{}).
		Where("account_id = ?", account.ID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to read last sequence, accountID=%s, err=%w", op, account.ID, err)
	}

	before := account.MonetaryBalance
	after := Apply(before, amount)
	entry := &models.WalletTransaction{
		AccountID:     account.ID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Type:          posting.Type,
		Description:   posting.Description,
		Sequence:      last + 1,
		CreatedAt:     at,
	}
	if posting.ReferenceID != "" {
		ref := posting.ReferenceID
		entry.ReferenceID = &ref
	}
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, bizerr.ErrAlreadyApplied
		}
		return nil, fmt.Errorf("[%s] Fail to create wallet transaction, accountID=%s, err=%w", op, account.ID, err)
	}

	result := tx.Model(&models.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"monetary_balance": after,
			"updated_at":       at,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to update balance, accountID=%s, err=%w", op, account.ID, result.Error)
	}
	if result.RowsAffected != 1 {
		return nil, bizerr.ErrAccountNotFound
	}
	account.MonetaryBalance = after
	account.UpdatedAt = at
	return entry, nil
}

// Applied 檢查 (type, referenceID) 是否已經記過帳
func Applied(tx *gorm.DB, txType models.WalletTransactionType, referenceID string) (bool, error) {
	const op = "Applied"
	var count int64
	err := tx.Model(&models.WalletTransaction{}).
		Where("type = ? AND reference_id = ?", txType, referenceID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to look up wallet transaction, type=%s, referenceID=%s, err=%w", op, txType, referenceID, err)
	}
	return count > 0, nil
}

// Entries 依記帳順序回傳帳戶的所有帳本紀錄
func Entries(tx *gorm.DB, accountID uuid.UUID) ([]models.WalletTransaction, error) {
	const op = "Entries"
	var entries []models.WalletTransaction
	if err := tx.Where("account_id = ?", accountID).Order("sequence").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("[%s] Fail to list wallet transactions, accountID=%s, err=%w", op, accountID, err)
	}
	return entries, nil
}

// ErrUnbalanced 表示帳本與帳戶餘額不一致
var ErrUnbalanced = errors.New("ledger is unbalanced")

// Reconcile 驗證帳戶的帳本：每筆紀錄都滿足 after = before + amount，
// 前後紀錄首尾相接，且帳戶餘額等於最後一筆紀錄的 after
func Reconcile(tx *gorm.DB, accountID uuid.UUID) error {
	const op = "Reconcile"
	var account models.Account
	if err := tx.Where("id = ?", accountID).Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return bizerr.ErrAccountNotFound
		}
		return fmt.Errorf("[%s] Fail to load account, accountID=%s, err=%w", op, accountID, err)
	}
	entries, err := Entries(tx, accountID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	for i, entry := range entries {
		if !Apply(entry.BalanceBefore, entry.Amount).Equal(entry.BalanceAfter) {
			return fmt.Errorf("[%s] %w, entry=%s, before=%s, amount=%s, after=%s", op, ErrUnbalanced, entry.ID, entry.BalanceBefore, entry.Amount, entry.BalanceAfter)
		}
		if i > 0 && !entries[i-1].BalanceAfter.Equal(entry.BalanceBefore) {
			return fmt.Errorf("[%s] %w, gap before entry=%s", op, ErrUnbalanced, entry.ID)
		}
	}
	last := entries[len(entries)-1]
	if !last.BalanceAfter.Equal(account.MonetaryBalance) {
		return fmt.Errorf("[%s] %w, balance=%s, lastEntry=%s", op, ErrUnbalanced, account.MonetaryBalance, last.BalanceAfter)
	}
	return nil
}
