package streammgr

import (
	"amdtpd/internal/amdtp"
	"amdtpd/internal/transport"
)

// receiveCallback adapts a PacketReceiver into the transport's receive
// callback shape, fetching the cycle timer once per packet so PutPacket
// can reconstruct the SYT timestamp against real bus time.
func receiveCallback(tr transport.Transport, pr PacketReceiver) transport.ReceiveCallback {
	return func(data []byte, channel int, tag, sy byte, cycle int64, dropped int) transport.Disposition {
		now, err := tr.GetCycleTimer()
		if err != nil {
			return transport.ERROR
		}
		return toTransportDisposition(pr.PutPacket(data, cycle, now))
	}
}

// transmitCallback adapts a PacketSender into the transport's transmit
// callback shape.
func transmitCallback(tr transport.Transport, ps PacketSender) transport.TransmitCallback {
	return func(cycle int64, dropped int, maxLen int) (out []byte, tag, sy byte, disposition transport.Disposition) {
		now, err := tr.GetCycleTimer()
		if err != nil {
			return nil, 0, 0, transport.ERROR
		}
		data, disp := ps.GetPacket(cycle, now, maxLen)
		return data, 0, 0, toTransportDisposition(disp)
	}
}

// toTransportDisposition maps amdtp.Disposition onto transport.Disposition;
// the two are kept as distinct types since a transport-level error can
// occur (e.g. bus reset) with no AMDTP packet involved at all.
func toTransportDisposition(d amdtp.Disposition) transport.Disposition {
	switch d {
	case amdtp.OK:
		return transport.OK
	case amdtp.DEFER:
		return transport.DEFER
	case amdtp.AGAIN:
		return transport.AGAIN
	default:
		return transport.ERROR
	}
}
