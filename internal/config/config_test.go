package config

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
}

func TestFromJSONRoundTrip(t *testing.T) {
	want := Default()
	buf, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := FromJSON(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.SampleRateHz != want.SampleRateHz || got.FFTN != want.FFTN {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if len(got.StrengthBands) != len(want.StrengthBands) {
		t.Fatalf("strength bands dropped across round trip")
	}
}

func TestFromJSONPartialOverride(t *testing.T) {
	got, err := FromJSON(bytes.NewReader([]byte(`{"fft_n": 4096}`)))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.FFTN != 4096 {
		t.Fatalf("override not applied: got fft_n=%d", got.FFTN)
	}
	if got.SampleRateHz != Default().SampleRateHz {
		t.Fatalf("unset field should retain default, got %d", got.SampleRateHz)
	}
}

func TestValidateRejectsNonPowerOfTwoFFT(t *testing.T) {
	c := Default()
	c.FFTN = 2000
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for non-power-of-two fft_n")
	}
}

func TestValidateRejectsDuplicateBandKeys(t *testing.T) {
	c := Default()
	c.StrengthBands = []StrengthBand{
		{Key: "l1", MinDB: 0},
		{Key: "l1", MinDB: 10},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for duplicate band keys")
	}
}

func TestValidateRejectsUnsortedBands(t *testing.T) {
	c := Default()
	c.StrengthBands = []StrengthBand{
		{Key: "l2", MinDB: 10},
		{Key: "l1", MinDB: 0},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unsorted bands")
	}
}

func TestBucketForStrengthBoundary(t *testing.T) {
	c := Default()
	for _, b := range c.StrengthBands {
		got := c.BucketForStrength(b.MinDB, b.MinAmpG)
		if got == nil || got.Key != b.Key {
			t.Fatalf("at exactly min_db=%v want band %q, got %+v", b.MinDB, b.Key, got)
		}
	}
}

func TestBucketForStrengthBelowAllBands(t *testing.T) {
	c := Default()
	got := c.BucketForStrength(-100, 0)
	if got != nil {
		t.Fatalf("expected nil band for deeply negative db, got %+v", got)
	}
}

func TestBucketForStrengthRequiresBothThresholds(t *testing.T) {
	c := Default()
	// High dB but amplitude below every band's min_amp_g except l1's
	// should still fail the l5 band's amplitude gate and fall back to a
	// lower one.
	got := c.BucketForStrength(35, 0.005)
	if got == nil {
		t.Fatal("expected some band to match on db alone where amp gate passes")
	}
	if got.Key == "l5" {
		t.Fatalf("l5 requires min_amp_g=0.08, should not match at 0.005, got %+v", got)
	}
}
