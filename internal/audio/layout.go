package audio

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Position is a speaker position. Its value is the WAVE_FORMAT_EXTENSIBLE
// speaker mask bit, so ascending values are the on-disk channel order.
type Position uint32

const (
	FrontLeft          Position = 0x1
	FrontRight         Position = 0x2
	FrontCenter        Position = 0x4
	LowFrequency       Position = 0x8
	BackLeft           Position = 0x10
	BackRight          Position = 0x20
	FrontLeftOfCenter  Position = 0x40
	FrontRightOfCenter Position = 0x80
	BackCenter         Position = 0x100
	SideLeft           Position = 0x200
	SideRight          Position = 0x400
	TopCenter          Position = 0x800
	TopFrontLeft       Position = 0x1000
	TopFrontCenter     Position = 0x2000
	TopFrontRight      Position = 0x4000
	TopBackLeft        Position = 0x8000
	TopBackCenter      Position = 0x10000
	TopBackRight       Position = 0x20000
)

// MaxPositioned is the number of distinct speaker positions a WAV channel mask can express.
const MaxPositioned = 18

var positionNames = map[Position]string{
	FrontLeft:          "FL",
	FrontRight:         "FR",
	FrontCenter:        "FC",
	LowFrequency:       "LFE",
	BackLeft:           "BL",
	BackRight:          "BR",
	FrontLeftOfCenter:  "FLC",
	FrontRightOfCenter: "FRC",
	BackCenter:         "BC",
	SideLeft:           "SL",
	SideRight:          "SR",
	TopCenter:          "TC",
	TopFrontLeft:       "TFL",
	TopFrontCenter:     "TFC",
	TopFrontRight:      "TFR",
	TopBackLeft:        "TBL",
	TopBackCenter:      "TBC",
	TopBackRight:       "TBR",
}

func (p Position) String() string {
	if name, ok := positionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", uint32(p))
}

// ParsePosition parses an ffmpeg style channel name such as "FL" or "TBR".
func ParsePosition(name string) (Position, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for p, n := range positionNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown channel position %q", name)
}

// ChannelLayout is an ordered assignment of channels to buffer slots. A layout
// without positions is discrete: it only knows how many channels it has.
type ChannelLayout struct {
	Name      string
	Positions []Position
	discrete  int
}

// Channels returns the number of channels in the layout.
func (l ChannelLayout) Channels() int {
	if l.IsDiscrete() {
		return l.discrete
	}
	return len(l.Positions)
}

// IsDiscrete reports whether the layout carries no speaker positions.
func (l ChannelLayout) IsDiscrete() bool {
	return len(l.Positions) == 0
}

// Mask returns the WAV channel mask, 0 for discrete layouts.
func (l ChannelLayout) Mask() uint32 {
	var mask uint32
	for _, p := range l.Positions {
		mask |= uint32(p)
	}
	return mask
}

// Index returns the buffer slot of position p, or -1.
func (l ChannelLayout) Index(p Position) int {
	for i, q := range l.Positions {
		if q == p {
			return i
		}
	}
	return -1
}

// Equal compares channel assignment, ignoring the display name.
func (l ChannelLayout) Equal(o ChannelLayout) bool {
	if l.Channels() != o.Channels() || l.IsDiscrete() != o.IsDiscrete() {
		return false
	}
	for i := range l.Positions {
		if l.Positions[i] != o.Positions[i] {
			return false
		}
	}
	return true
}

// Descriptor renders the positions as "FL+FR+FC".
func (l ChannelLayout) Descriptor() string {
	if l.IsDiscrete() {
		return fmt.Sprintf("%d channels", l.discrete)
	}
	names := make([]string, len(l.Positions))
	for i, p := range l.Positions {
		names[i] = p.String()
	}
	return strings.Join(names, "+")
}

func (l ChannelLayout) String() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Descriptor()
}

// MaskOrdered reports whether positions are unique and ascending, which WAV requires.
func (l ChannelLayout) MaskOrdered() bool {
	for i := 1; i < len(l.Positions); i++ {
		if l.Positions[i] <= l.Positions[i-1] {
			return false
		}
	}
	return true
}

// DiscreteLayout returns a layout of n unlabelled channels.
func DiscreteLayout(n int) ChannelLayout {
	return ChannelLayout{Name: fmt.Sprintf("%dc", n), discrete: n}
}

func layout(name string, positions ...Position) ChannelLayout {
	return ChannelLayout{Name: name, Positions: positions}
}

var (
	LayoutMono    = layout("mono", FrontCenter)
	LayoutStereo  = layout("stereo", FrontLeft, FrontRight)
	Layout2_1     = layout("2.1", FrontLeft, FrontRight, LowFrequency)
	Layout3_0     = layout("3.0", FrontLeft, FrontRight, FrontCenter)
	LayoutQuad    = layout("quad", FrontLeft, FrontRight, BackLeft, BackRight)
	Layout4_0     = layout("4.0", FrontLeft, FrontRight, FrontCenter, BackCenter)
	Layout5_0     = layout("5.0", FrontLeft, FrontRight, FrontCenter, BackLeft, BackRight)
	Layout5_0Side = layout("5.0(side)", FrontLeft, FrontRight, FrontCenter, SideLeft, SideRight)
	Layout5_1     = layout("5.1", FrontLeft, FrontRight, FrontCenter, LowFrequency, BackLeft, BackRight)
	Layout5_1Side = layout("5.1(side)", FrontLeft, FrontRight, FrontCenter, LowFrequency, SideLeft, SideRight)
	Layout6_1     = layout("6.1", FrontLeft, FrontRight, FrontCenter, LowFrequency, BackCenter, SideLeft, SideRight)
	Layout7_0     = layout("7.0", FrontLeft, FrontRight, FrontCenter, BackLeft, BackRight, SideLeft, SideRight)
	Layout7_1     = layout("7.1", FrontLeft, FrontRight, FrontCenter, LowFrequency, BackLeft, BackRight, SideLeft, SideRight)
	Layout7_1Wide = layout("7.1(wide)", FrontLeft, FrontRight, FrontCenter, LowFrequency, BackLeft, BackRight, FrontLeftOfCenter, FrontRightOfCenter)
	Layout5_1_2   = layout("5.1.2", FrontLeft, FrontRight, FrontCenter, LowFrequency, BackLeft, BackRight, TopFrontLeft, TopFrontRight)
	Layout5_1_4   = layout("5.1.4", FrontLeft, FrontRight, FrontCenter, LowFrequency, BackLeft, BackRight, TopFrontLeft, TopFrontRight, TopBackLeft, TopBackRight)
	Layout7_1_2   = layout("7.1.2", FrontLeft, FrontRight, FrontCenter, LowFrequency, BackLeft, BackRight, SideLeft, SideRight, TopFrontLeft, TopFrontRight)
	Layout7_1_4   = layout("7.1.4", FrontLeft, FrontRight, FrontCenter, LowFrequency, BackLeft, BackRight, SideLeft, SideRight, TopFrontLeft, TopFrontRight, TopBackLeft, TopBackRight)
)

var namedLayouts = []ChannelLayout{
	LayoutMono, LayoutStereo, Layout2_1, Layout3_0, LayoutQuad, Layout4_0,
	Layout5_0, Layout5_0Side, Layout5_1, Layout5_1Side, Layout6_1, Layout7_0, Layout7_1, Layout7_1Wide,
	Layout5_1_2, Layout5_1_4, Layout7_1_2, Layout7_1_4,
}

var layoutAliases = map[string]string{
	"1.0":         "mono",
	"2.0":         "stereo",
	"4.0(quad)":   "quad",
	"5.1(back)":   "5.1",
	"atmos":       "7.1.4",
	"atmos-7.1.4": "7.1.4",
	"atmos-5.1.4": "5.1.4",
	"atmos-7.1.2": "7.1.2",
}

// Layouts returns the named layouts, ordered by channel count.
func Layouts() []ChannelLayout {
	out := make([]ChannelLayout, len(namedLayouts))
	copy(out, namedLayouts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Channels() < out[j].Channels() })
	return out
}

// ParseLayout resolves a layout name, alias, "FL+FR+..." descriptor or a discrete
// channel count ("12c", "12 channels", "discrete:12").
func ParseLayout(s string) (ChannelLayout, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return ChannelLayout{}, fmt.Errorf("empty channel layout")
	}
	if alias, ok := layoutAliases[name]; ok {
		name = alias
	}
	for _, l := range namedLayouts {
		if l.Name == name {
			return l, nil
		}
	}

	if n, ok := parseDiscrete(name); ok {
		if n <= 0 {
			return ChannelLayout{}, fmt.Errorf("invalid channel count in layout %q", s)
		}
		return DiscreteLayout(n), nil
	}

	if strings.Contains(name, "+") || len(name) <= 3 {
		parts := strings.Split(name, "+")
		positions := make([]Position, 0, len(parts))
		for _, part := range parts {
			p, err := ParsePosition(part)
			if err != nil {
				return ChannelLayout{}, fmt.Errorf("invalid layout %q: %w", s, err)
			}
			positions = append(positions, p)
		}
		return ChannelLayout{Positions: positions}, nil
	}

	return ChannelLayout{}, fmt.Errorf("unknown channel layout %q", s)
}

func parseDiscrete(name string) (int, bool) {
	var digits string
	switch {
	case strings.HasPrefix(name, "discrete:"):
		digits = strings.TrimPrefix(name, "discrete:")
	case strings.HasSuffix(name, " channels"):
		digits = strings.TrimSuffix(name, " channels")
	case strings.HasSuffix(name, "c"):
		digits = strings.TrimSuffix(name, "c")
	default:
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(digits))
	if err != nil {
		return 0, false
	}
	return n, true
}

// DefaultLayout guesses the layout of a source that only reports a channel count.
func DefaultLayout(channels int) ChannelLayout {
	switch channels {
	case 1:
		return LayoutMono
	case 2:
		return LayoutStereo
	case 3:
		return Layout2_1
	case 4:
		return LayoutQuad
	case 5:
		return Layout5_0
	case 6:
		return Layout5_1
	case 7:
		return Layout6_1
	case 8:
		return Layout7_1
	case 10:
		return Layout7_1_2
	case 12:
		return Layout7_1_4
	default:
		return DiscreteLayout(channels)
	}
}
