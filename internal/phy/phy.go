// Package phy frames node datagrams the way the radio carries them:
// 802.11 data frame, LLC/SNAP, IPv4, UDP, then the application payload.
package phy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

const (
	fcsSize    = 4
	defaultTTL = 64
)

var (
	ErrNotIPv4 = errors.New("address is not ipv4")
	ErrDecode  = errors.New("frame decode failed")
	ErrFCS     = errors.New("frame check sequence mismatch")
	ErrNoUDP   = errors.New("frame carries no udp datagram")
)

var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Frame is a decoded radio frame.
type Frame struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	BSSID   net.HardwareAddr
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Seq     uint16
	Payload []byte
}

// MACFor derives the locally administered MAC of an IPv4 node address.
// Broadcast addresses map to the broadcast MAC.
func MACFor(a netip.Addr) net.HardwareAddr {
	if !a.Is4() {
		return nil
	}
	b := a.As4()
	if b[3] == 0xff {
		return append(net.HardwareAddr(nil), BroadcastMAC...)
	}
	return net.HardwareAddr{0x02, 0x00, b[0], b[1], b[2], b[3]}
}

// BSSID is the ad hoc cell identifier shared by every node.
var BSSID = net.HardwareAddr{0x02, 0xf1, 0x5a, 0xfe, 0x00, 0x00}

// Build frames payload from src to dst on the flysafe port.
func Build(src, dst netip.Addr, seq uint16, payload []byte) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotIPv4, src, dst)
	}
	return BuildFrame(Frame{
		SrcMAC:  MACFor(src),
		DstMAC:  MACFor(dst),
		BSSID:   BSSID,
		Src:     src,
		Dst:     dst,
		SrcPort: proto.Port,
		DstPort: proto.Port,
		Seq:     seq,
		Payload: payload,
	})
}

// BuildFrame serializes f verbatim, keeping its addressing.
func BuildFrame(f Frame) ([]byte, error) {
	if !f.Src.Is4() || !f.Dst.Is4() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotIPv4, f.Src, f.Dst)
	}
	bssid := f.BSSID
	if bssid == nil {
		bssid = BSSID
	}
	dot11 := &layers.Dot11{
		Type:           layers.Dot11TypeData,
		Address1:       f.DstMAC,
		Address2:       f.SrcMAC,
		Address3:       bssid,
		SequenceNumber: f.Seq & 0x0fff,
	}
	llc := &layers.LLC{DSAP: 0xaa, SSAP: 0xaa, Control: 0x03}
	snap := &layers.SNAP{OrganizationalCode: []byte{0, 0, 0}, Type: layers.EthernetTypeIPv4}
	src4, dst4 := f.Src.As4(), f.Dst.As4()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src4[:]),
		DstIP:    net.IP(dst4[:]),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(f.SrcPort), DstPort: layers.UDPPort(f.DstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, dot11, llc, snap, ip, udp, gopacket.Payload(f.Payload)); err != nil {
		return nil, err
	}
	body := buf.Bytes()
	out := make([]byte, len(body)+fcsSize)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], crc32.ChecksumIEEE(body))
	return out, nil
}

// Parse strips the radio, link, network and transport headers.
func Parse(frame []byte) (Frame, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeDot11, gopacket.DecodeOptions{NoCopy: true})
	if el := pkt.ErrorLayer(); el != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecode, el.Error())
	}
	dl, ok := pkt.Layer(layers.LayerTypeDot11).(*layers.Dot11)
	if !ok {
		return Frame{}, ErrDecode
	}
	if !dl.ChecksumValid() {
		return Frame{}, ErrFCS
	}
	il, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return Frame{}, fmt.Errorf("%w: no ipv4 layer", ErrDecode)
	}
	ul, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return Frame{}, ErrNoUDP
	}
	if uint16(ul.DstPort) != proto.Port {
		return Frame{}, fmt.Errorf("%w: port %d", ErrNoUDP, ul.DstPort)
	}
	src, ok := netip.AddrFromSlice(il.SrcIP.To4())
	if !ok {
		return Frame{}, fmt.Errorf("%w: src %v", ErrNotIPv4, il.SrcIP)
	}
	dst, ok := netip.AddrFromSlice(il.DstIP.To4())
	if !ok {
		return Frame{}, fmt.Errorf("%w: dst %v", ErrNotIPv4, il.DstIP)
	}
	return Frame{
		SrcMAC:  append(net.HardwareAddr(nil), dl.Address2...),
		DstMAC:  append(net.HardwareAddr(nil), dl.Address1...),
		BSSID:   append(net.HardwareAddr(nil), dl.Address3...),
		Src:     src,
		Dst:     dst,
		SrcPort: uint16(ul.SrcPort),
		DstPort: uint16(ul.DstPort),
		Seq:     dl.SequenceNumber,
		Payload: append([]byte(nil), ul.Payload...),
	}, nil
}
