package codec

import (
	"github.com/danmuck/meshlink/internal/protocol"
)

// RepeaterStatsSize is the fixed length of a repeater stats block.
const RepeaterStatsSize = 48

// RepeaterStats is the status block returned by a repeater.
type RepeaterStats struct {
	BatteryMilliVolts uint16
	TxQueueLen        uint16
	NoiseFloor        int16
	LastRSSI          int16
	PacketsRecv       uint32
	PacketsSent       uint32
	AirtimeSecs       uint32
	UptimeSecs        uint32
	SentFlood         uint32
	SentDirect        uint32
	RecvFlood         uint32
	RecvDirect        uint32
	ErrEvents         uint16
	LastSNRQuarterDB  int16
	DirectDups        uint16
	FloodDups         uint16
}

// LastSNR returns the last packet SNR in dB.
func (s RepeaterStats) LastSNR() float32 { return float32(s.LastSNRQuarterDB) / 4 }

func EncodeRepeaterStats(s RepeaterStats) []byte {
	w := &writer{buf: make([]byte, 0, RepeaterStatsSize)}
	w.u16(s.BatteryMilliVolts)
	w.u16(s.TxQueueLen)
	w.i16(s.NoiseFloor)
	w.i16(s.LastRSSI)
	w.u32(s.PacketsRecv)
	w.u32(s.PacketsSent)
	w.u32(s.AirtimeSecs)
	w.u32(s.UptimeSecs)
	w.u32(s.SentFlood)
	w.u32(s.SentDirect)
	w.u32(s.RecvFlood)
	w.u32(s.RecvDirect)
	w.u16(s.ErrEvents)
	w.i16(s.LastSNRQuarterDB)
	w.u16(s.DirectDups)
	w.u16(s.FloodDups)
	return w.bytes()
}

func DecodeRepeaterStats(b []byte) (RepeaterStats, error) {
	r := &reader{code: byte(protocol.PushStatusResponse), buf: b}
	s := RepeaterStats{
		BatteryMilliVolts: r.u16(),
		TxQueueLen:        r.u16(),
		NoiseFloor:        r.i16(),
		LastRSSI:          r.i16(),
		PacketsRecv:       r.u32(),
		PacketsSent:       r.u32(),
		AirtimeSecs:       r.u32(),
		UptimeSecs:        r.u32(),
		SentFlood:         r.u32(),
		SentDirect:        r.u32(),
		RecvFlood:         r.u32(),
		RecvDirect:        r.u32(),
		ErrEvents:         r.u16(),
		LastSNRQuarterDB:  r.i16(),
		DirectDups:        r.u16(),
		FloodDups:         r.u16(),
	}
	return s, r.err
}

// NeighboursRequest is the data of a GetNeighbours binary request.
type NeighboursRequest struct {
	Count     uint8
	Offset    uint16
	OrderBy   uint8
	PrefixLen uint8
	Nonce     uint32
}

func EncodeNeighboursRequest(q NeighboursRequest) []byte {
	w := &writer{buf: make([]byte, 0, 10)}
	w.u8(0) // request version
	w.u8(q.Count)
	w.u16(q.Offset)
	w.u8(q.OrderBy)
	w.u8(q.PrefixLen)
	w.u32(q.Nonce)
	return w.bytes()
}

func DecodeNeighboursRequest(b []byte) (NeighboursRequest, error) {
	r := &reader{code: byte(protocol.CmdSendBinaryReq), buf: b}
	r.u8()
	q := NeighboursRequest{
		Count:     r.u8(),
		Offset:    r.u16(),
		OrderBy:   r.u8(),
		PrefixLen: r.u8(),
		Nonce:     r.u32(),
	}
	return q, r.err
}

// Neighbour is one entry of a repeater's neighbour table.
type Neighbour struct {
	Prefix       []byte
	SecondsAgo   int32
	SNRQuarterDB int8
}

func (n Neighbour) SNR() float32 { return float32(n.SNRQuarterDB) / 4 }

// NeighboursPage is one page of a repeater's neighbour table.
type NeighboursPage struct {
	Total      uint16
	Neighbours []Neighbour
}

func EncodeNeighboursPage(p NeighboursPage, prefixLen int) []byte {
	w := &writer{buf: make([]byte, 0, 4+len(p.Neighbours)*(prefixLen+5))}
	w.u16(p.Total)
	w.u16(uint16(len(p.Neighbours)))
	for _, n := range p.Neighbours {
		w.fixed(n.Prefix, prefixLen)
		w.i32(n.SecondsAgo)
		w.i8(n.SNRQuarterDB)
	}
	return w.bytes()
}

func DecodeNeighboursPage(b []byte, prefixLen int) (NeighboursPage, error) {
	if prefixLen <= 0 || prefixLen > protocol.PublicKeySize {
		return NeighboursPage{}, protocol.Malformed(byte(protocol.PushBinaryResponse), "invalid neighbour prefix length")
	}
	r := &reader{code: byte(protocol.PushBinaryResponse), buf: b}
	p := NeighboursPage{Total: r.u16()}
	count := int(r.u16())
	if r.err != nil {
		return NeighboursPage{}, r.err
	}
	if count*(prefixLen+5) > r.remaining() {
		return NeighboursPage{}, protocol.Truncated(r.code, r.off+count*(prefixLen+5), len(b))
	}
	p.Neighbours = make([]Neighbour, 0, count)
	for i := 0; i < count; i++ {
		p.Neighbours = append(p.Neighbours, Neighbour{
			Prefix:       r.bytes(prefixLen),
			SecondsAgo:   r.i32(),
			SNRQuarterDB: r.i8(),
		})
	}
	return p, r.err
}

// DecodeKeepAliveAck returns the unsynced-message count from a keep-alive
// binary response. An empty body means zero.
func DecodeKeepAliveAck(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	return int(data[0])
}
