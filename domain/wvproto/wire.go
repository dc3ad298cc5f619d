// Package wvproto implements the Widevine license-protocol wire messages
// as hand-written structs with protobuf-wire-format Marshal/Unmarshal
// methods (varint tags, length-delimited submessages). No generated code;
// the message set is small and stable enough to keep by hand.
package wvproto

import (
	"encoding/binary"
	"errors"
)

// Wire types, per the protobuf wire format.
const (
	wireVarint = 0
	wireFixed64 = 1
	wireBytes  = 2
	wireFixed32 = 5
)

var (
	ErrTruncated    = errors.New("wvproto: truncated message")
	ErrMalformedVarint = errors.New("wvproto: malformed varint")
	ErrFieldTooLarge = errors.New("wvproto: field length exceeds remaining buffer")
)

// field is one raw (field number, wire type, payload-or-value) tuple
// produced while walking an encoded message.
type field struct {
	num  int
	typ  int
	u64  uint64
	buf  []byte
}

// rawFields parses data into a flat list of fields without interpreting
// them, mirroring how a generated protobuf decoder's outer switch loop
// walks the wire before dispatching per field number.
func rawFields(data []byte) ([]field, error) {
	var fields []field
	for len(data) > 0 {
		tag, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, ErrMalformedVarint
		}
		data = data[n:]
		num := int(tag >> 3)
		typ := int(tag & 0x7)
		switch typ {
		case wireVarint:
			v, n := binary.Uvarint(data)
			if n <= 0 {
				return nil, ErrMalformedVarint
			}
			fields = append(fields, field{num: num, typ: typ, u64: v})
			data = data[n:]
		case wireBytes:
			l, n := binary.Uvarint(data)
			if n <= 0 {
				return nil, ErrMalformedVarint
			}
			data = data[n:]
			if uint64(len(data)) < l {
				return nil, ErrFieldTooLarge
			}
			fields = append(fields, field{num: num, typ: typ, buf: data[:l]})
			data = data[l:]
		case wireFixed64:
			if len(data) < 8 {
				return nil, ErrTruncated
			}
			fields = append(fields, field{num: num, typ: typ, u64: binary.LittleEndian.Uint64(data[:8])})
			data = data[8:]
		case wireFixed32:
			if len(data) < 4 {
				return nil, ErrTruncated
			}
			fields = append(fields, field{num: num, typ: typ, u64: uint64(binary.LittleEndian.Uint32(data[:4]))})
			data = data[4:]
		default:
			return nil, errors.New("wvproto: unsupported wire type")
		}
	}
	return fields, nil
}

func appendTag(buf []byte, num, typ int) []byte {
	return binary.AppendUvarint(buf, uint64(num)<<3|uint64(typ))
}

func appendVarintField(buf []byte, num int, v uint64) []byte {
	if v == 0 {
		return buf
	}
	buf = appendTag(buf, num, wireVarint)
	return binary.AppendUvarint(buf, v)
}

func appendBoolField(buf []byte, num int, v bool) []byte {
	if !v {
		return buf
	}
	buf = appendTag(buf, num, wireVarint)
	return binary.AppendUvarint(buf, 1)
}

func appendBytesField(buf []byte, num int, v []byte) []byte {
	if len(v) == 0 {
		return buf
	}
	buf = appendTag(buf, num, wireBytes)
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func appendStringField(buf []byte, num int, v string) []byte {
	return appendBytesField(buf, num, []byte(v))
}

// appendSubmessageField appends a length-delimited embedded message built
// by marshal, skipping the field entirely when marshal produced nothing
// (protobuf3 "absent message" semantics).
func appendSubmessageField(buf []byte, num int, body []byte, present bool) []byte {
	if !present {
		return buf
	}
	buf = appendTag(buf, num, wireBytes)
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	return append(buf, body...)
}
