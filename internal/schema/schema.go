package schema

// SchemaVersion is the current shared-channel record version.
const SchemaVersion uint16 = 1

// ChannelKind identifies one of the three shared-memory channels.
type ChannelKind uint16

const (
	ChannelUnknown ChannelKind = iota
	ChannelMarketData
	ChannelSignal
	ChannelControl
)

// String returns the channel name used in logs and counters.
func (k ChannelKind) String() string {
	switch k {
	case ChannelMarketData:
		return "marketdata"
	case ChannelSignal:
		return "signal"
	case ChannelControl:
		return "control"
	default:
		return "unknown"
	}
}
