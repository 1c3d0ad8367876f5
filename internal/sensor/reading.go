// Package sensor holds the e-nose data model: the readings produced by the
// instrument, the records broadcast to observers and the points archived to
// the time-series store.
package sensor

// Channel indexes one gas channel of the sensor array.
type Channel int

const (
	NO2 Channel = iota
	ETH
	VOC
	CO
	COM
	ETHM
	VOCM

	NumChannels = 7
)

var channelNames = [NumChannels]string{"no2", "eth", "voc", "co", "com", "ethm", "vocm"}

func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return "unknown"
	}
	return channelNames[c]
}

// Channels holds one value per gas channel, indexed by Channel.
type Channels [NumChannels]float64

// RawReading is one parsed instrument line before filtering.
type RawReading struct {
	Channels Channels
	State    int
	Level    int
}

// FilteredReading is a RawReading after smoothing and modulation. State and
// Level are copied through unchanged.
type FilteredReading struct {
	Channels Channels
	State    int
	Level    int
}

var stateNames = map[int]string{
	0: "IDLE",
	1: "PRE_COND",
	2: "RAMP_UP",
	3: "HOLD",
	4: "PURGE",
	5: "RECOVERY",
	6: "DONE",
}

// StateName maps the instrument's sampling state to its label.
func StateName(state int) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "UNKNOWN"
}
