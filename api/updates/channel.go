package updates

// Channel represents a named update track.
type Channel string

const (
	// ChannelStable only receives stable releases.
	ChannelStable Channel = "stable"

	// ChannelBeta receives beta releases.
	ChannelBeta Channel = "beta"

	// ChannelNightly receives nightly builds.
	ChannelNightly Channel = "nightly"
)

// Channels lists the supported update channels.
var Channels = []Channel{ChannelStable, ChannelBeta, ChannelNightly}

// IsValid returns true if the channel is one of the supported channels.
func (c Channel) IsValid() bool {
	for _, channel := range Channels {
		if c == channel {
			return true
		}
	}

	return false
}

func (c Channel) String() string {
	return string(c)
}

// MarshalText implements the encoding.TextMarshaler interface.
func (c Channel) MarshalText() ([]byte, error) {
	if c == "" {
		return []byte(ChannelStable), nil
	}

	return []byte(c), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (c *Channel) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = ChannelStable

		return nil
	}

	*c = Channel(text)

	return nil
}
