package domain

import "time"

// FieldDiff describes one disagreeing field for a symbol present both in the
// ledger and on the exchange.
type FieldDiff struct {
	Field    string `json:"field"`
	Ledger   string `json:"ledger"`
	Exchange string `json:"exchange"`
}

// Mismatch groups the field diffs for one symbol.
type Mismatch struct {
	Symbol string      `json:"symbol"`
	Diffs  []FieldDiff `json:"diffs"`
}

// ReconciliationReport is a transient audit result comparing ledger state
// against exchange-reported truth. It is produced fresh on every audit and
// never persisted beyond logging; drift is surfaced, never auto-healed.
type ReconciliationReport struct {
	At                time.Time  `json:"at"`
	MissingInLedger   []string   `json:"missing_in_ledger"`
	MissingOnExchange []string   `json:"missing_on_exchange"`
	Mismatched        []Mismatch `json:"mismatched"`
}

// Clean reports whether ledger and exchange agree.
func (r *ReconciliationReport) Clean() bool {
	return len(r.MissingInLedger) == 0 && len(r.MissingOnExchange) == 0 && len(r.Mismatched) == 0
}
