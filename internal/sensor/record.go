package sensor

import (
	"encoding/json"
	"time"

	"codeberg.org/mutker/enosed/internal/errors"
)

// Record is what observers receive for every filtered reading.
type Record struct {
	NO2       float64 `json:"no2"`
	ETH       float64 `json:"eth"`
	VOC       float64 `json:"voc"`
	CO        float64 `json:"co"`
	COM       float64 `json:"com"`
	ETHM      float64 `json:"ethm"`
	VOCM      float64 `json:"vocm"`
	State     int     `json:"state"`
	StateName string  `json:"state_name"`
	Level     int     `json:"level"`
	Timestamp int64   `json:"timestamp"`
	Source    string  `json:"source"`
}

// NewRecord stamps a filtered reading with its label, the wall clock in
// milliseconds and the source tag.
func NewRecord(f FilteredReading, at time.Time, source string) Record {
	return Record{
		NO2:       f.Channels[NO2],
		ETH:       f.Channels[ETH],
		VOC:       f.Channels[VOC],
		CO:        f.Channels[CO],
		COM:       f.Channels[COM],
		ETHM:      f.Channels[ETHM],
		VOCM:      f.Channels[VOCM],
		State:     f.State,
		StateName: StateName(f.State),
		Level:     f.Level,
		Timestamp: at.UnixMilli(),
		Source:    source,
	}
}

// Channels returns the record's channel values in Channel order.
func (r Record) Channels() Channels {
	return Channels{r.NO2, r.ETH, r.VOC, r.CO, r.COM, r.ETHM, r.VOCM}
}

// Encode serializes the record to its wire form, without a trailing newline.
func (r Record) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.New().Wrap(ErrEncode, err)
	}
	return b, nil
}

// Point converts the record to an archival point.
func (r Record) Point() Point {
	return Point{
		Channels:  r.Channels(),
		State:     r.State,
		Level:     r.Level,
		Source:    r.Source,
		Timestamp: r.Timestamp * int64(time.Millisecond),
	}
}

// Point is one archival write. Timestamp is in nanoseconds since the epoch.
type Point struct {
	Channels  Channels
	State     int
	Level     int
	Source    string
	Timestamp int64
}

// Time returns the point's timestamp.
func (p Point) Time() time.Time {
	return time.Unix(0, p.Timestamp)
}

// Fields returns one field per channel plus state and level, keyed the way
// the store expects them.
func (p Point) Fields() map[string]any {
	fields := make(map[string]any, FieldCount)
	for c := Channel(0); c < NumChannels; c++ {
		fields[c.String()] = p.Channels[c]
	}
	fields["state"] = int64(p.State)
	fields["level"] = int64(p.Level)

	return fields
}
