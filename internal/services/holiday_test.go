package services

import (
	"testing"
	"time"
)

func TestHolidayService_IsWorkday(t *testing.T) {
	s := NewHolidayService()
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 12, 0, 0, 0, time.UTC) }

	tests := []struct {
		name    string
		date    time.Time
		country string
		want    bool
	}{
		{"empty code runs every day", day(2026, 3, 14), "", true},
		{"weekday without calendar", day(2026, 3, 10), "NONE", true},
		{"saturday without calendar", day(2026, 3, 14), "NONE", false},
		{"us thanksgiving", day(2026, 11, 26), "US", false},
		{"us ordinary tuesday", day(2026, 3, 10), "us", true},
		{"christmas in germany", day(2026, 12, 25), "DE", false},
		{"unknown code falls back to weekends", day(2026, 3, 15), "ZZ", false},
		{"cn national day", day(2025, 10, 1), "CN", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsWorkday(tt.date, tt.country); got != tt.want {
				t.Errorf("IsWorkday(%s, %q) = %v, want %v", tt.date.Format("2006-01-02"), tt.country, got, tt.want)
			}
		})
	}
}

func TestHolidayService_Supported(t *testing.T) {
	s := NewHolidayService()
	for _, code := range []string{"", "NONE", "CN", "gb", "JP"} {
		if !s.Supported(code) {
			t.Errorf("Supported(%q) = false", code)
		}
	}
	if s.Supported("ZZ") {
		t.Error("Supported(ZZ) = true")
	}
}
