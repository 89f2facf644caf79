package schema

// Price is a scaled integer. The scale is defined by configuration.
type Price int64

// Quantity is a scaled integer. The scale is defined by configuration.
type Quantity int64

// MarketDataKind describes the meaning of the market data payload.
type MarketDataKind uint16

const (
	MarketDataUnknown MarketDataKind = iota
	MarketDataTrade
	MarketDataQuote
)

// MarketData is the record published on the market data channel.
type MarketData struct {
	SymbolID uint32
	Kind     MarketDataKind
	Flags    uint16
	Price    Price
	Size     Quantity
	BidPrice Price
	BidSize  Quantity
	AskPrice Price
	AskSize  Quantity
	TsEvent  int64
}

// Signal flag bits.
const (
	SignalFlagDegraded uint16 = 1 << iota
	SignalFlagCalibrationStale
)

// Signal is the forecast record published on the signal channel.
type Signal struct {
	SymbolID    uint32
	Version     uint16
	Flags       uint16
	Horizon     uint32
	SampleCount uint32
	Forecast    float64
	GarchVol    float64
	RealizedVol float64
	EwmaVol     float64
	Variance    float64
	TsPublish   int64
}

// ControlDirective enumerates trading-engine originated commands.
type ControlDirective uint16

const (
	ControlNone ControlDirective = iota
	ControlEnableTrading
	ControlDisableTrading
	ControlRecalibrate
	ControlResetWeights
)

// Control is the directive record consumed from the control channel.
type Control struct {
	Directive ControlDirective
	Flags     uint16
	SymbolID  uint32
	Value     int64
	TsIssued  int64
}
