package models

import "time"

// Wallet transaction statuses.
const (
	TxStatusCompleted = "completed"
	TxStatusUnproven  = "unproven"
)

// TransactionRecord is a wallet transaction row.
type TransactionRecord struct {
	ID               int64
	TxID             string
	Status           string
	Reference        string
	IsOutgoing       bool
	Satoshis         int64
	SatoshisSpent    int64
	SatoshisReceived int64
	RawTx            []byte
	CreatedAt        time.Time
}

// OutputRecord is a wallet output row. An output is created at most once per
// (txid, vout) and later patched at most once to spendable=false.
type OutputRecord struct {
	ID                 int64
	TransactionID      int64
	TxID               string
	Vout               uint32
	Satoshis           uint64
	LockingScript      []byte
	Basket             string
	Spendable          bool
	SpentBy            *int64
	Change             bool
	Purpose            string
	Type               string
	ProvidedBy         string
	CustomInstructions string
	CreatedAt          time.Time
}
