package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the embedded protobuf header block.
const (
	phSteamID       protowire.Number = 1
	phSessionID     protowire.Number = 2
	phSourceAppID   protowire.Number = 3
	phSourceJobID   protowire.Number = 10
	phTargetJobID   protowire.Number = 11
	phTargetJobName protowire.Number = 12
	phEResult       protowire.Number = 13
	phErrorMessage  protowire.Number = 14
)

// marshalProtoHeader emits only fields that differ from their defaults.
func marshalProtoHeader(h *MsgHeader) []byte {
	var b []byte
	if h.SteamID != 0 {
		b = protowire.AppendTag(b, phSteamID, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, uint64(h.SteamID))
	}
	if h.SessionID != 0 {
		b = protowire.AppendTag(b, phSessionID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(h.SessionID)))
	}
	if h.SourceAppID != 0 {
		b = protowire.AppendTag(b, phSourceAppID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.SourceAppID))
	}
	if h.SourceJobID != NoJob {
		b = protowire.AppendTag(b, phSourceJobID, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, h.SourceJobID)
	}
	if h.TargetJobID != NoJob {
		b = protowire.AppendTag(b, phTargetJobID, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, h.TargetJobID)
	}
	if h.TargetJobName != "" {
		b = protowire.AppendTag(b, phTargetJobName, protowire.BytesType)
		b = protowire.AppendString(b, h.TargetJobName)
	}
	if h.EResult != EResultInvalid {
		b = protowire.AppendTag(b, phEResult, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(h.EResult)))
	}
	if h.ErrorMessage != "" {
		b = protowire.AppendTag(b, phErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, h.ErrorMessage)
	}
	return b
}

// unmarshalProtoHeader fills h from an embedded header block. Unknown fields
// are skipped.
func unmarshalProtoHeader(b []byte, h *MsgHeader) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == phSteamID && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			h.SteamID = SteamID(v)
			return n, nil
		case num == phSessionID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.SessionID = int32(v)
			return n, nil
		case num == phSourceAppID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.SourceAppID = uint32(v)
			return n, nil
		case num == phSourceJobID && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			h.SourceJobID = v
			return n, nil
		case num == phTargetJobID && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			h.TargetJobID = v
			return n, nil
		case num == phTargetJobName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.TargetJobName = v
			return n, nil
		case num == phEResult && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.EResult = EResult(int32(v))
			return n, nil
		case num == phErrorMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.ErrorMessage = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// walkFields iterates the fields of a serialized protobuf message. fn
// consumes the value that follows the tag and returns the bytes it used; a
// negative count is a protowire parse error.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
