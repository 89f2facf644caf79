package obs

import (
	"github.com/yanun0323/logs"
)

// Heartbeat is the periodic liveness record emitted by the scheduler's
// heartbeat sub-task.
type Heartbeat struct {
	TsNano         int64
	State          string
	Healthy        bool
	TradingEnabled bool
	SignalSeq      uint64
	MarketDataSeq  uint64
}

// Emit writes the heartbeat to the diagnostics sink. A degraded
// forecaster is flagged, never a reason to halt publication.
func Emit(hb Heartbeat) {
	if hb.Healthy {
		logs.Infof("heartbeat state=%s healthy=true trading=%v md_seq=%d sig_seq=%d",
			hb.State, hb.TradingEnabled, hb.MarketDataSeq, hb.SignalSeq)
		return
	}
	logs.Warnf("heartbeat state=%s healthy=false trading=%v md_seq=%d sig_seq=%d",
		hb.State, hb.TradingEnabled, hb.MarketDataSeq, hb.SignalSeq)
}
