package protocol

import (
	"fmt"
	"net"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// LogonProtocolVersion is announced in every ClientLogon body.
const LogonProtocolVersion uint32 = 65565

// LogonRequest is the ClientLogon body sent for an anonymous sign-on.
type LogonRequest struct {
	ProtocolVersion uint32
	CellID          uint32
}

func (r LogonRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ProtocolVersion))
	if r.CellID != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CellID))
	}
	return b
}

func (r *LogonRequest) Unmarshal(b []byte) error {
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType && (num == 1 || num == 3) {
			v, n := protowire.ConsumeVarint(b)
			if num == 1 {
				r.ProtocolVersion = uint32(v)
			} else {
				r.CellID = uint32(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return fmt.Errorf("%w: logon request: %v", ErrMalformedMessage, err)
	}
	return nil
}

// LogonResponse is the ClientLogOnResponse body.
type LogonResponse struct {
	Result                 EResult
	HeartbeatSeconds       int32
	InGameHeartbeatSeconds int32
	ServerTime             uint32
	CellID                 uint32
}

func (r LogonResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(r.Result)))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(r.HeartbeatSeconds)))
	if r.InGameHeartbeatSeconds != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(r.InGameHeartbeatSeconds)))
	}
	if r.ServerTime != 0 {
		b = protowire.AppendTag(b, 5, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, r.ServerTime)
	}
	if r.CellID != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CellID))
	}
	return b
}

func (r *LogonResponse) Unmarshal(b []byte) error {
	r.Result = EResultFail

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType && num == 1:
			v, n := protowire.ConsumeVarint(b)
			r.Result = EResult(int32(v))
			return n, nil
		case typ == protowire.VarintType && num == 2:
			v, n := protowire.ConsumeVarint(b)
			r.HeartbeatSeconds = int32(v)
			return n, nil
		case typ == protowire.VarintType && num == 3:
			v, n := protowire.ConsumeVarint(b)
			r.InGameHeartbeatSeconds = int32(v)
			return n, nil
		case typ == protowire.Fixed32Type && num == 5:
			v, n := protowire.ConsumeFixed32(b)
			r.ServerTime = v
			return n, nil
		case typ == protowire.VarintType && num == 7:
			v, n := protowire.ConsumeVarint(b)
			r.CellID = uint32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return fmt.Errorf("%w: logon response: %v", ErrMalformedMessage, err)
	}
	return nil
}

// LoggedOff is the ClientLoggedOff body.
type LoggedOff struct {
	Result EResult
}

func (l LoggedOff) Marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(l.Result)))
}

func (l *LoggedOff) Unmarshal(b []byte) error {
	l.Result = EResultOK

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType && num == 1 {
			v, n := protowire.ConsumeVarint(b)
			l.Result = EResult(int32(v))
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return fmt.Errorf("%w: logged off: %v", ErrMalformedMessage, err)
	}
	return nil
}

// CMList is the ClientCMList body: parallel lists of IPv4 addresses (as
// big-endian integers) and ports.
type CMList struct {
	Addresses []uint32
	Ports     []uint32
}

func (c CMList) Marshal() []byte {
	var b []byte
	for _, a := range c.Addresses {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a))
	}
	for _, p := range c.Ports {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p))
	}
	return b
}

func (c *CMList) Unmarshal(b []byte) error {
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 && num != 2 {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		dst := &c.Addresses
		if num == 2 {
			dst = &c.Ports
		}

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			*dst = append(*dst, uint32(v))
			return n, nil
		case protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				*dst = append(*dst, uint32(v))
				packed = packed[m:]
			}
			return n, nil
		}
		return 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
	})
	if err != nil {
		return fmt.Errorf("%w: cm list: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Endpoints returns "ip:port" strings for each address that has a port.
func (c CMList) Endpoints() []string {
	n := min(len(c.Addresses), len(c.Ports))
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		a := c.Addresses[i]
		ip := net.IPv4(byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(int(c.Ports[i]))))
	}
	return out
}

// Multi is the protobuf-framed Multi body. Body holds the same
// length-prefixed fragments as the legacy envelope.
type Multi struct {
	SizeUnzipped uint32
	Body         []byte
}

func (m Multi) Marshal() []byte {
	var b []byte
	if m.SizeUnzipped != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.SizeUnzipped))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, m.Body)
}

func (m *Multi) Unmarshal(b []byte) error {
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType && num == 1:
			v, n := protowire.ConsumeVarint(b)
			m.SizeUnzipped = uint32(v)
			return n, nil
		case typ == protowire.BytesType && num == 2:
			v, n := protowire.ConsumeBytes(b)
			m.Body = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return fmt.Errorf("%w: multi: %v", ErrMalformedMessage, err)
	}
	return nil
}
