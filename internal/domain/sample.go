package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Granularity names a rolling window level.
type Granularity string

const (
	Second Granularity = "s"
	Minute Granularity = "m"
	Hour   Granularity = "h"
	Day    Granularity = "d"
)

// Sample is one timestamped value in a price window.
type Sample struct {
	Time  time.Time
	Value float64
}

// MarshalJSON encodes a sample as [unix_seconds, value] with millisecond precision.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{float64(s.Time.UnixMilli()) / 1000, s.Value})
}

// UnmarshalJSON decodes [unix_seconds, value].
func (s *Sample) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("sample: want [time, value], got %d elements", len(pair))
	}
	s.Time = time.UnixMilli(int64(math.Round(pair[0] * 1000))).UTC()
	s.Value = pair[1]
	return nil
}
