// README: Common money value object used across modules.
package types

import "fmt"

// Money is an amount in minor units (cents, paise).
type Money struct {
	Amount   int64  `json:"amount" firestore:"amount"`
	Currency string `json:"currency" firestore:"currency"`
}

func (m Money) IsPositive() bool {
	return m.Amount > 0
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}
