package query

import "time"

// Amounts are decimal strings so JSON clients never lose precision.

// PoolResponse describes one pool.
type PoolResponse struct {
	Asset        string `json:"asset"`
	Creator      string `json:"creator"`
	Supply       string `json:"supply"`
	QuoteReserve string `json:"quote_reserve"`
	Price        string `json:"price,omitempty"` // At the current supply
	AsOfSequence int64  `json:"as_of_sequence"`
}

// QuoteResponse previews a trade.
type QuoteResponse struct {
	Asset        string `json:"asset"`
	Side         string `json:"side"`
	In           string `json:"in"`
	Fee          string `json:"fee"`
	Out          string `json:"out"`
	UnitPrice    string `json:"unit_price"`
	SupplyAfter  string `json:"supply_after"`
	ReserveAfter string `json:"reserve_after"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// TradeResponse is one historical trade.
type TradeResponse struct {
	Sequence     int64     `json:"sequence"`
	Asset        string    `json:"asset"`
	Side         string    `json:"side"`
	Caller       string    `json:"caller"`
	Recipient    string    `json:"recipient"`
	QuoteAmount  string    `json:"quote_amount"`
	TokenAmount  string    `json:"token_amount"`
	Fee          string    `json:"fee"`
	UnitPrice    string    `json:"unit_price"`
	SupplyAfter  string    `json:"supply_after"`
	ReserveAfter string    `json:"reserve_after"`
	Timestamp    time.Time `json:"timestamp"`
}

// TradePage is a page of trades, newest first. NextBefore is the cursor
// for the following page, zero when exhausted.
type TradePage struct {
	Trades     []TradeResponse `json:"trades"`
	NextBefore int64           `json:"next_before,omitempty"`
	Source     string          `json:"source"` // "memory" or "postgres"
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
}

// EventLogInfo summarizes the log's live and durable positions.
type EventLogInfo struct {
	NextSequence      int64  `json:"next_sequence"`
	Tip               string `json:"tip"`
	PersistedSequence int64  `json:"persisted_sequence"` // -1 when nothing is durable
}

// FeeInfo reports the engine's quote balance against pool reserves.
type FeeInfo struct {
	QuoteAsset    string `json:"quote_asset"`
	Balance       string `json:"balance"`
	TotalReserves string `json:"total_reserves"`
	Withdrawable  string `json:"withdrawable"`
	Covered       bool   `json:"covered"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventsChecked   int     `json:"events_checked"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	ReservesCovered bool    `json:"reserves_covered"`
}
