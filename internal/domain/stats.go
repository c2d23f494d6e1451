package domain

import "time"

// Report is a read-only summary of the engine published after every tick.
type Report struct {
	Time             time.Time  `json:"time"`
	InitialCapital   float64    `json:"initial_capital"`
	Capital          float64    `json:"capital"`
	CumulativeProfit float64    `json:"cumulative_profit"`
	CumulativeFees   float64    `json:"cumulative_fees"`
	Wins             int        `json:"wins"`
	Losses           int        `json:"losses"`
	Stales           int        `json:"stales"`
	Held             []Position `json:"held"`
}

// SeriesSnapshot is the exported form of a coin's price windows.
type SeriesSnapshot struct {
	Lowest   map[Granularity][]Sample `json:"lowest"`
	Averages map[Granularity][]Sample `json:"averages"`
	Highest  map[Granularity][]Sample `json:"highest"`
}

// Snapshot is the persisted engine state.
type Snapshot struct {
	SavedAt          time.Time                 `json:"saved_at"`
	Positions        map[string]*Position      `json:"positions"`
	Series           map[string]SeriesSnapshot `json:"series"`
	Held             []string                  `json:"held"`
	Capital          float64                   `json:"capital"`
	CumulativeProfit float64                   `json:"cumulative_profit"`
	CumulativeFees   float64                   `json:"cumulative_fees"`
	Wins             int                       `json:"wins"`
	Losses           int                       `json:"losses"`
	Stales           int                       `json:"stales"`
}
