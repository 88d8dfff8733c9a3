package audio

import "fmt"

// ChannelMap gives, for every target channel, the source channel feeding it,
// or -1 when the target channel is silence-filled.
//
// Mapping policy:
//   - both layouts positioned: a target channel takes the source channel with
//     the same speaker position; target positions missing from the source are
//     silent; source positions missing from the target are dropped.
//   - either layout discrete: channel i feeds channel i; surplus target
//     channels are silent and surplus source channels are dropped.
type ChannelMap []int

// MapChannels builds the deterministic mapping from src to dst.
func MapChannels(src, dst ChannelLayout) ChannelMap {
	m := make(ChannelMap, dst.Channels())
	if src.IsDiscrete() || dst.IsDiscrete() {
		for i := range m {
			if i < src.Channels() {
				m[i] = i
			} else {
				m[i] = -1
			}
		}
		return m
	}
	for i, p := range dst.Positions {
		m[i] = src.Index(p)
	}
	return m
}

// Silent returns the target channels that carry silence.
func (m ChannelMap) Silent() []int {
	var out []int
	for i, s := range m {
		if s < 0 {
			out = append(out, i)
		}
	}
	return out
}

// Dropped returns the source channels that feed no target channel.
func (m ChannelMap) Dropped(srcChannels int) []int {
	used := make([]bool, srcChannels)
	for _, s := range m {
		if s >= 0 && s < srcChannels {
			used[s] = true
		}
	}
	var out []int
	for i, u := range used {
		if !u {
			out = append(out, i)
		}
	}
	return out
}

// IsIdentity reports whether the map copies srcChannels channels straight through.
func (m ChannelMap) IsIdentity(srcChannels int) bool {
	if len(m) != srcChannels {
		return false
	}
	for i, s := range m {
		if s != i {
			return false
		}
	}
	return true
}

// Describe renders the map as "FL<-FL FC<-silence ..." for logs.
func (m ChannelMap) Describe(src, dst ChannelLayout) string {
	out := ""
	for i, s := range m {
		if i > 0 {
			out += " "
		}
		from := "silence"
		if s >= 0 {
			from = channelName(src, s)
		}
		out += fmt.Sprintf("%s<-%s", channelName(dst, i), from)
	}
	return out
}

func channelName(l ChannelLayout, i int) string {
	if !l.IsDiscrete() && i < len(l.Positions) {
		return l.Positions[i].String()
	}
	return fmt.Sprintf("ch%d", i)
}
