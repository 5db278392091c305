package models

// LearningProfileVersion is bumped whenever the profile layout changes.
const LearningProfileVersion = 1

// GroupStats summarizes a group of closed trades.
type GroupStats struct {
	Key     string  `json:"key"`
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	AvgPnL  float64 `json:"avg_pnl"`
	Score   float64 `json:"score"`
}

// LearningProfile is the feedback written by the learning engine. It is
// replaced wholesale, never patched.
type LearningProfile struct {
	Version int `json:"version"`

	BestSignalType string `json:"best_signal_type"`
	BestTimeframe  string `json:"best_timeframe"`
	BestRSIBand    string `json:"best_rsi_band"`
	BestHours      []int  `json:"best_hours"`
	WorstHours     []int  `json:"worst_hours"`

	ConsecutiveLosses int `json:"consecutive_losses"`

	TradesAnalyzed     int     `json:"trades_analyzed"`
	WinRate            float64 `json:"win_rate"`
	ProfitFactor       float64 `json:"profit_factor"`
	AvgWin             float64 `json:"avg_win"`
	AvgLoss            float64 `json:"avg_loss"`
	AvgDurationMinutes float64 `json:"avg_duration_minutes"`

	SignalTypes []GroupStats `json:"signal_types"`
	Timeframes  []GroupStats `json:"timeframes"`
	RSIBands    []GroupStats `json:"rsi_bands"`
}

// IsWorstHour reports whether hour (0-23, UTC) is one of the worst buckets.
func (p LearningProfile) IsWorstHour(hour int) bool {
	for _, h := range p.WorstHours {
		if h == hour {
			return true
		}
	}
	return false
}
