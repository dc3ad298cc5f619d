package keys

import "testing"

func TestSecurityLevelAdmitsMatrix(t *testing.T) {
	cases := []struct {
		level  SecurityLevel
		class  SecurityClass
		admits bool
	}{
		{SecurityLevelL1, SecurityClassHWSecureAll, true},
		{SecurityLevelL2, SecurityClassSWSecureCrypto, true},
		{SecurityLevelL2, SecurityClassSWSecureDecode, true},
		{SecurityLevelL2, SecurityClassHWSecureCrypto, true},
		{SecurityLevelL2, SecurityClassHWSecureDecode, false},
		{SecurityLevelL2, SecurityClassHWSecureAll, false},
		{SecurityLevelL3, SecurityClassSWSecureCrypto, true},
		{SecurityLevelL3, SecurityClassSWSecureDecode, true},
		{SecurityLevelL3, SecurityClassHWSecureCrypto, false},
		{SecurityLevelL3, SecurityClassHWSecureDecode, false},
		{SecurityLevelUnknown, SecurityClassUnset, true},
	}
	for _, tc := range cases {
		if got := tc.level.Admits(tc.class); got != tc.admits {
			t.Errorf("level=%v class=%v: Admits=%v, want %v", tc.level, tc.class, got, tc.admits)
		}
	}
}

func TestProtectionSchemeToCipherMode(t *testing.T) {
	cbc := []uint32{FourCC("cbc1"), FourCC("cbcs"), reversed(FourCC("cbc1")), reversed(FourCC("cbcs"))}
	for _, fourCC := range cbc {
		if got := ProtectionSchemeToCipherMode(fourCC); got != CipherModeCBC {
			t.Errorf("fourCC=%x: mode=%v, want CBC", fourCC, got)
		}
	}

	ctr := []uint32{FourCC("cenc"), FourCC("zzzz"), 0}
	for _, fourCC := range ctr {
		if got := ProtectionSchemeToCipherMode(fourCC); got != CipherModeCTR {
			t.Errorf("fourCC=%x: mode=%v, want CTR", fourCC, got)
		}
	}
}

func TestConstraintsMeets(t *testing.T) {
	c := Constraints{
		DefaultHDCP: HDCPV1,
		Bands: []ResolutionBand{
			{MinPixels: 0, MaxPixels: 1000, RequiredHDCP: HDCPNone},
			{MinPixels: 1000, MaxPixels: 0, RequiredHDCP: HDCPV2_2},
		},
	}

	if !c.Meets(500, HDCPNone) {
		t.Error("500px at HDCPNone should meet the low band's HDCPNone floor")
	}
	if c.Meets(1600, HDCPV1) {
		t.Error("1600px at HDCPV1 should fail the high band's HDCPV2_2 floor")
	}
	if !c.Meets(1600, HDCPV2_2) {
		t.Error("1600px at HDCPV2_2 should meet the high band's floor exactly")
	}

	noBands := Constraints{DefaultHDCP: HDCPV1}
	if noBands.Meets(42, HDCPNone) {
		t.Error("below the default floor with no bands should fail")
	}
	if !noBands.Meets(42, HDCPV1) {
		t.Error("at the default floor with no bands should pass")
	}
}

func TestEntitledContentKeySizePadding(t *testing.T) {
	if ContentKeySize != 16 {
		t.Fatalf("ContentKeySize = %d, want 16", ContentKeySize)
	}
}
