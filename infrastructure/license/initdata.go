package license

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"tungo/domain/wvproto"
)

// WidevineSystemID is the system id ("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
// a CENC pssh box must carry for this parser to treat it as a Widevine
// init-data container.
var WidevineSystemID = mustHex("edef8ba979d64acea3c827dcd51d21ed")

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// psshBox is one parsed "pssh" ISO-BMFF box.
type psshBox struct {
	systemID []byte
	kids     [][]byte
	data     []byte
}

// parsePsshBoxes walks a concatenated sequence of ISO-BMFF boxes (as CENC
// init data carries) and returns every "pssh" box found. Full
// (version 1) boxes carry a KID list before the data; version 0 boxes
// carry none.
func parsePsshBoxes(buf []byte) ([]psshBox, error) {
	var boxes []psshBox
	for len(buf) > 0 {
		if len(buf) < 8 {
			return nil, ErrMalformedInitData
		}
		size := binary.BigEndian.Uint32(buf[0:4])
		boxType := buf[4:8]
		if size < 8 || int(size) > len(buf) {
			return nil, ErrMalformedInitData
		}
		body := buf[8:size]
		buf = buf[size:]

		if string(boxType) != "pssh" {
			continue
		}
		if len(body) < 20 {
			return nil, ErrMalformedInitData
		}
		version := body[0]
		systemID := append([]byte(nil), body[4:20]...)
		rest := body[20:]

		var kids [][]byte
		if version >= 1 {
			if len(rest) < 4 {
				return nil, ErrMalformedInitData
			}
			count := binary.BigEndian.Uint32(rest[0:4])
			rest = rest[4:]
			for i := uint32(0); i < count; i++ {
				if len(rest) < 16 {
					return nil, ErrMalformedInitData
				}
				kids = append(kids, append([]byte(nil), rest[0:16]...))
				rest = rest[16:]
			}
		}
		if len(rest) < 4 {
			return nil, ErrMalformedInitData
		}
		dataSize := binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if int(dataSize) > len(rest) {
			return nil, ErrMalformedInitData
		}
		boxes = append(boxes, psshBox{systemID: systemID, kids: kids, data: append([]byte(nil), rest[:dataSize]...)})
	}
	return boxes, nil
}

// ParseCENCInitData picks the Widevine pssh box out of a CENC init-data
// blob, preferring one that carries entitled-key metadata. preferEntitlement should be true when the TCE build favors
// entitlement licenses.
func ParseCENCInitData(initData []byte, preferEntitlement bool) (*wvproto.WidevinePsshData, []byte, error) {
	boxes, err := parsePsshBoxes(initData)
	if err != nil {
		return nil, nil, err
	}
	var fallback *psshBox
	for i := range boxes {
		b := &boxes[i]
		if !equalBytes(b.systemID, WidevineSystemID) {
			continue
		}
		var pssh wvproto.WidevinePsshData
		if err := pssh.Unmarshal(b.data); err != nil {
			continue
		}
		if fallback == nil {
			fallback = b
		}
		if preferEntitlement && pssh.ContainsEntitledKeys() {
			return &pssh, b.data, nil
		}
		if !preferEntitlement {
			return &pssh, b.data, nil
		}
	}
	if fallback == nil {
		return nil, nil, ErrNoWidevinePssh
	}
	var pssh wvproto.WidevinePsshData
	if err := pssh.Unmarshal(fallback.data); err != nil {
		return nil, nil, ErrMalformedInitData
	}
	return &pssh, fallback.data, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HLSInitData is a parsed EXT-X-KEY-style attribute list: the encryption
// method, the hex IV (if present), and the Widevine init payload decoded
// out of the data-URI carried in the quoted URI attribute.
type HLSInitData struct {
	Method  string
	IV      []byte
	Payload []byte
}

// parseHLSAttributes splits an EXT-X-KEY attribute list on commas that are
// not inside a quoted value.
func parseHLSAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	var start int
	inQuote := false
	emit := func(part string) {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		attrs[key] = val
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				emit(s[start:i])
				start = i + 1
			}
		}
	}
	emit(s[start:])
	return attrs
}

// ParseHLSInitData parses an EXT-X-KEY-like attribute list (METHOD, quoted
// URI, hex IV); the URI's base64 tail is decoded into the Widevine init
// payload.
func ParseHLSInitData(initData []byte) (*HLSInitData, error) {
	attrs := parseHLSAttributes(string(initData))
	method, ok := attrs["METHOD"]
	if !ok {
		return nil, ErrMalformedInitData
	}
	uri, ok := attrs["URI"]
	if !ok {
		return nil, ErrMalformedInitData
	}
	b64 := uri
	if i := strings.LastIndexByte(uri, ','); i >= 0 {
		b64 = uri[i+1:]
	}
	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, ErrMalformedInitData
	}
	out := &HLSInitData{Method: method, Payload: payload}
	if ivHex, ok := attrs["IV"]; ok {
		ivHex = strings.TrimPrefix(ivHex, "0x")
		ivHex = strings.TrimPrefix(ivHex, "0X")
		iv, err := hex.DecodeString(ivHex)
		if err != nil {
			return nil, ErrMalformedInitData
		}
		out.IV = iv
	}
	return out, nil
}

// looksLikeCENC reports whether initData starts with an ISO-BMFF box header
// whose type reads "pssh".
func looksLikeCENC(initData []byte) bool {
	return len(initData) >= 8 && string(initData[4:8]) == "pssh"
}

// looksLikeHLS reports whether initData reads as an EXT-X-KEY attribute
// list.
func looksLikeHLS(initData []byte) bool {
	return strings.Contains(string(initData), "METHOD=")
}

// NormalizeInitData validates initData and resolves it to the content-id
// bytes a LicenseRequest carries: the raw pssh sequence for CENC, the
// decoded Widevine payload for HLS, and the raw key-id header for WebM.
// The returned HLSInitData is non-nil only for HLS input.
func NormalizeInitData(initData []byte) ([]byte, *HLSInitData, error) {
	switch {
	case looksLikeCENC(initData):
		if _, _, err := ParseCENCInitData(initData, false); err != nil {
			return nil, nil, err
		}
		return initData, nil, nil
	case looksLikeHLS(initData):
		hls, err := ParseHLSInitData(initData)
		if err != nil {
			return nil, nil, err
		}
		return hls.Payload, hls, nil
	case len(initData) > 0:
		// WebM: the init data is the raw key-id header, carried as-is.
		return initData, nil, nil
	default:
		return nil, nil, ErrUnsupportedInitData
	}
}
