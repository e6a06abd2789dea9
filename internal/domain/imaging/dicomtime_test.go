package imaging

import (
	"testing"
	"time"
)

func TestFormatDicomDate(t *testing.T) {
	ts := time.Date(2024, 2, 9, 23, 59, 0, 0, time.UTC)
	if got := FormatDicomDate(ts); got != "20240209" {
		t.Errorf("expected 20240209, got %s", got)
	}
}

func TestFormatDicomDateTime(t *testing.T) {
	zone := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2024, 2, 9, 14, 3, 7, 250*int(time.Millisecond), zone)
	if got := FormatDicomDateTime(ts); got != "20240209140307.250+0530" {
		t.Errorf("unexpected DT %s", got)
	}
	whole := time.Date(2024, 2, 9, 14, 3, 7, 0, time.UTC)
	if got := FormatDicomDateTime(whole); got != "20240209140307+0000" {
		t.Errorf("unexpected DT %s", got)
	}
}

func TestNormalizeDicomDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"2024-03-01", "20240301", false},
		{"20240301", "20240301", false},
		{" 2024-12-31 ", "20241231", false},
		{"2024-02-30", "", true},
		{"01/03/2024", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeDicomDate(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("NormalizeDicomDate(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestDicomTimeFrom12h(t *testing.T) {
	tests := []struct {
		clock, period string
		want          string
		wantErr       bool
	}{
		{"12:00", "AM", "000000", false},
		{"12:30", "PM", "123000", false},
		{"01:05", "pm", "130500", false},
		{"9:45", "AM", "094500", false},
		{"13:00", "PM", "", true},
		{"10:60", "AM", "", true},
		{"1030", "AM", "", true},
		{"10:30", "XM", "", true},
	}
	for _, tt := range tests {
		got, err := DicomTimeFrom12h(tt.clock, tt.period)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("DicomTimeFrom12h(%q, %q) = %q, %v", tt.clock, tt.period, got, err)
		}
	}
}

func TestNormalizeDicomTime(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0930", "093000", false},
		{"09:30", "093000", false},
		{"23:59:59", "235959", false},
		{"143000", "143000", false},
		{"25:00", "", true},
		{"noon", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeDicomTime(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("NormalizeDicomTime(%q) = %q, %v", tt.in, got, err)
		}
	}
}
