package mcast

import (
	"fmt"
	"net"

	"peerbus/helper/tag"
)

// Channel is a logical multicast group/port pair used for one category of traffic.
type Channel uint8

const (
	ChannelGeneral Channel = iota
	ChannelPlugin
	ChannelMatchmaking
	ChannelFileShare
)

var DefaultChannels = []Channel{ChannelGeneral, ChannelPlugin, ChannelMatchmaking, ChannelFileShare}

func (c Channel) String() string {
	switch c {
	case ChannelGeneral:
		return "general"
	case ChannelPlugin:
		return "plugin"
	case ChannelMatchmaking:
		return "matchmaking"
	case ChannelFileShare:
		return "fileshare"
	default:
		return fmt.Sprintf("channel-%d", uint8(c))
	}
}

// Layout derives group addresses and ports so that independently configured nodes agree.
type Layout struct {
	GroupPrefix [3]byte // First three octets of the group address, e.g. 239.255.42
	PortBase    int
	Seed        uint32
}

var DefaultLayout = Layout{
	GroupPrefix: [3]byte{239, 255, 42},
	PortBase:    27015,
	Seed:        tag.Seed,
}

// Group returns the multicast group address of a channel.
// The last octet comes from the channel name hash, the port is offset by the channel number so default channels never share a port.
func (l Layout) Group(c Channel) *net.UDPAddr {
	h := uint32(tag.Of(fmt.Sprintf("%08x/%s", l.Seed, c.String())))
	return &net.UDPAddr{
		IP:   net.IPv4(l.GroupPrefix[0], l.GroupPrefix[1], l.GroupPrefix[2], byte(1+h%250)),
		Port: l.PortBase + 1 + int(l.Seed%64)*8 + int(c),
	}
}
