package derecho

import (
	"bytes"
	"os"
	"testing"
)

func persistTestConfig(t *testing.T) *Config {
	cfg := defaultConfig()
	cfg.LocalID = 1
	cfg.Pers.FilePath = t.TempDir()
	return cfg
}

func Test070_persist_append_replay(t *testing.T) {
	cfg := persistTestConfig(t)

	pl, err := NewPersistLog(cfg, 0)
	if err != nil {
		t.Fatalf("NewPersistLog: %v", err)
	}
	if pl.LastVersion() != InvalidVersion {
		t.Fatalf("fresh log should be empty, got %v", pl.LastVersion())
	}

	payloads := [][]byte{
		[]byte("v0 bytes"),
		[]byte("v1 longer payload with more bytes in it"),
		{},
	}
	for i, p := range payloads {
		if err := pl.Append(Version(i), uint64(1000+i), p, nil); err != nil {
			t.Fatalf("Append %v: %v", i, err)
		}
	}
	if pl.LastVersion() != 2 {
		t.Fatalf("LastVersion = %v, want 2", pl.LastVersion())
	}
	got, err := pl.ReadPayload(1)
	if err != nil || !bytes.Equal(got, payloads[1]) {
		t.Fatalf("ReadPayload(1) = %q, %v", got, err)
	}
	pl.Close()

	// reopen: replay recovers the index.
	pl2, err := NewPersistLog(cfg, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer pl2.Close()
	if pl2.LastVersion() != 2 {
		t.Fatalf("replayed LastVersion = %v, want 2", pl2.LastVersion())
	}
	e, ok := pl2.Entry(0)
	if !ok || e.Timestamp != 1000 || e.Length != uint32(len(payloads[0])) {
		t.Fatalf("replayed entry 0 wrong: %+v ok=%v", e, ok)
	}
	got, err = pl2.ReadPayload(0)
	if err != nil || !bytes.Equal(got, payloads[0]) {
		t.Fatalf("replayed ReadPayload(0) = %q, %v", got, err)
	}
}

func Test071_persist_corruption_detected(t *testing.T) {
	cfg := persistTestConfig(t)
	pl, err := NewPersistLog(cfg, 0)
	if err != nil {
		t.Fatalf("NewPersistLog: %v", err)
	}
	panicOn(pl.Append(0, 1, []byte("precious bytes"), nil))
	pl.Close()

	path := cfg.PersistPath(0)
	raw, err := os.ReadFile(path)
	panicOn(err)
	raw[len(raw)/2] ^= 0xFF
	panicOn(os.WriteFile(path, raw, 0644))

	if _, err := NewPersistLog(cfg, 0); err == nil {
		t.Fatalf("corrupted log replayed without error")
	}
}

func Test072_persist_reset_truncates(t *testing.T) {
	cfg := persistTestConfig(t)
	pl, err := NewPersistLog(cfg, 0)
	panicOn(err)
	panicOn(pl.Append(0, 1, []byte("gone after reset"), nil))
	pl.Close()

	cfg.Pers.Reset = true
	pl2, err := NewPersistLog(cfg, 0)
	panicOn(err)
	defer pl2.Close()
	if pl2.LastVersion() != InvalidVersion {
		t.Fatalf("reset=true should truncate; LastVersion = %v", pl2.LastVersion())
	}
}

func Test073_view_state_round_trip(t *testing.T) {
	cfg := persistTestConfig(t)
	v := buildTestView(3, 1, cfg)
	v.VID = 12

	verified := []Version{41, InvalidVersion}
	panicOn(SaveViewState(cfg, v, verified))

	vs, err := LoadViewState(cfg)
	panicOn(err)
	if vs == nil {
		t.Fatalf("LoadViewState found nothing")
	}
	back, err := DecodeView(vs.View, cfg, 1)
	panicOn(err)
	if back.VID != 12 || len(back.Members) != 3 {
		t.Fatalf("view state round trip wrong: %v", back)
	}
	if len(vs.Verified) != 2 || vs.Verified[0] != 41 || vs.Verified[1] != InvalidVersion {
		t.Fatalf("verified frontiers wrong: %v", vs.Verified)
	}

	// no state: nil, nil.
	cfg2 := persistTestConfig(t)
	vs2, err := LoadViewState(cfg2)
	panicOn(err)
	if vs2 != nil {
		t.Fatalf("expected no view state in a fresh dir")
	}
}

func Test074_sign_and_verify(t *testing.T) {
	s1 := NewEphemeralSigner()
	s2 := NewEphemeralSigner()

	payload := []byte("replicated update bytes")
	sig := s1.Sign(3, 77, 123456, payload)
	digest := versionDigest(3, 77, 123456, payload)

	if err := Verify(s1.PublicKey(), digest, sig); err != nil {
		t.Fatalf("good signature rejected: %v", err)
	}
	if err := Verify(s2.PublicKey(), digest, sig); err == nil {
		t.Fatalf("signature verified under the wrong key")
	}
	wrong := versionDigest(3, 78, 123456, payload)
	if err := Verify(s1.PublicKey(), wrong, sig); err == nil {
		t.Fatalf("signature verified over the wrong digest")
	}
	if err := Verify([]byte("short"), digest, sig); err == nil {
		t.Fatalf("bad key length accepted")
	}
}
