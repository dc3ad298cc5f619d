package license

import (
	"bytes"
	"encoding/base64"
	"testing"

	"tungo/domain/wvproto"
)

func buildPsshBox(t *testing.T, systemID []byte, payload []byte) []byte {
	t.Helper()
	size := uint32(8 + 4 + 16 + 4 + len(payload))
	box := make([]byte, 0, size)
	box = append(box, byte(size>>24), byte(size>>16), byte(size>>8), byte(size))
	box = append(box, 'p', 's', 's', 'h')
	box = append(box, 0, 0, 0, 0)
	box = append(box, systemID...)
	dlen := uint32(len(payload))
	box = append(box, byte(dlen>>24), byte(dlen>>16), byte(dlen>>8), byte(dlen))
	box = append(box, payload...)
	return box
}

func TestParseCENCInitDataPicksWidevineBox(t *testing.T) {
	otherSystem := bytes.Repeat([]byte{0xaa}, 16)
	plain := (&wvproto.WidevinePsshData{KeyIDs: [][]byte{[]byte("kid-000000000001")}}).Marshal()

	initData := append(buildPsshBox(t, otherSystem, []byte("not-widevine")), buildPsshBox(t, WidevineSystemID, plain)...)
	pssh, raw, err := ParseCENCInitData(initData, false)
	if err != nil {
		t.Fatalf("ParseCENCInitData: %v", err)
	}
	if len(pssh.KeyIDs) != 1 {
		t.Fatalf("expected 1 key id, got %d", len(pssh.KeyIDs))
	}
	if !bytes.Equal(raw, plain) {
		t.Fatal("expected the widevine box's payload back")
	}
}

func TestParseCENCInitDataPrefersEntitledBox(t *testing.T) {
	plain := (&wvproto.WidevinePsshData{KeyIDs: [][]byte{[]byte("kid-000000000001")}}).Marshal()
	entitled := (&wvproto.WidevinePsshData{
		EntitledKeys: []wvproto.WidevinePsshDataEntitledKey{
			{EntitlementKeyID: []byte("ent-1"), KeyID: []byte("k-1"), Key: bytes.Repeat([]byte{1}, 32), IV: bytes.Repeat([]byte{2}, 16)},
		},
	}).Marshal()
	initData := append(buildPsshBox(t, WidevineSystemID, plain), buildPsshBox(t, WidevineSystemID, entitled)...)

	pssh, _, err := ParseCENCInitData(initData, true)
	if err != nil {
		t.Fatalf("ParseCENCInitData: %v", err)
	}
	if !pssh.ContainsEntitledKeys() {
		t.Fatal("expected the entitled-key box preferred when preferEntitlement is set")
	}

	pssh, _, err = ParseCENCInitData(initData, false)
	if err != nil {
		t.Fatalf("ParseCENCInitData: %v", err)
	}
	if pssh.ContainsEntitledKeys() {
		t.Fatal("expected the first widevine box when preferEntitlement is off")
	}
}

func TestParseHLSInitData(t *testing.T) {
	payload := []byte("widevine-init-payload")
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString(payload)
	attrs := `METHOD=SAMPLE-AES,URI="` + uri + `",IV=0x000102030405060708090a0b0c0d0e0f`

	hls, err := ParseHLSInitData([]byte(attrs))
	if err != nil {
		t.Fatalf("ParseHLSInitData: %v", err)
	}
	if hls.Method != "SAMPLE-AES" {
		t.Fatalf("method = %q, want SAMPLE-AES", hls.Method)
	}
	if !bytes.Equal(hls.Payload, payload) {
		t.Fatalf("payload = %q, want %q", hls.Payload, payload)
	}
	if len(hls.IV) != 16 || hls.IV[15] != 0x0f {
		t.Fatalf("unexpected IV: %x", hls.IV)
	}

	if _, err := ParseHLSInitData([]byte(`URI="x"`)); err == nil {
		t.Fatal("expected an attribute list without METHOD to fail")
	}
}

func TestNormalizeInitData(t *testing.T) {
	plain := (&wvproto.WidevinePsshData{KeyIDs: [][]byte{[]byte("kid-000000000001")}}).Marshal()
	cenc := buildPsshBox(t, WidevineSystemID, plain)

	contentID, hls, err := NormalizeInitData(cenc)
	if err != nil || hls != nil {
		t.Fatalf("NormalizeInitData(cenc) = (hls=%v, err=%v)", hls, err)
	}
	if !bytes.Equal(contentID, cenc) {
		t.Fatal("CENC content id must be the raw pssh sequence")
	}

	payload := []byte("hls-widevine-payload")
	attrs := `METHOD=SAMPLE-AES,URI="data:;base64,` + base64.StdEncoding.EncodeToString(payload) + `"`
	contentID, hls, err = NormalizeInitData([]byte(attrs))
	if err != nil || hls == nil {
		t.Fatalf("NormalizeInitData(hls) = (hls=%v, err=%v)", hls, err)
	}
	if !bytes.Equal(contentID, payload) {
		t.Fatal("HLS content id must be the decoded URI payload")
	}

	webm := []byte("webm-key-id-header")
	contentID, hls, err = NormalizeInitData(webm)
	if err != nil || hls != nil {
		t.Fatalf("NormalizeInitData(webm) = (hls=%v, err=%v)", hls, err)
	}
	if !bytes.Equal(contentID, webm) {
		t.Fatal("WebM content id must be the raw key-id header")
	}

	if _, _, err := NormalizeInitData(nil); err == nil {
		t.Fatal("expected empty init data rejected")
	}
}
