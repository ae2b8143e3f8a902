package memory

import "github.com/shopspring/decimal"

func (b *Book) SetCreditHook(fn func(userID string, amount decimal.Decimal) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creditHook = fn
}
