package types

type Direction string

type PositionStatus string

type AssetSymbol string

type EntryType string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

const (
	PositionStatusRunning   PositionStatus = "running"
	PositionStatusEnded     PositionStatus = "ended"
	PositionStatusCancelled PositionStatus = "cancelled"
)

const (
	AssetUSDT AssetSymbol = "USDT"
	AssetBTC  AssetSymbol = "BTC"
)

const (
	EntryTypeDeposit        EntryType = "deposit"
	EntryTypePositionOpen   EntryType = "position_open"
	EntryTypePositionPayout EntryType = "position_payout"
)

// ParseDirection accepts the upper-case form the web client sends as well.
func ParseDirection(raw string) (Direction, bool) {
	switch raw {
	case "long", "LONG", "Long":
		return DirectionLong, true
	case "short", "SHORT", "Short":
		return DirectionShort, true
	}
	return "", false
}

func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

func (s PositionStatus) Terminal() bool {
	return s == PositionStatusEnded || s == PositionStatusCancelled
}

func (a AssetSymbol) Valid() bool {
	return a == AssetUSDT || a == AssetBTC
}
