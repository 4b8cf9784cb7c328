package parser

import (
	"testing"
	"time"
)

func TestParseLineK1(t *testing.T) {
	line := "K1 11:11:38.370.366 [ 8832] {018} **** :10437"
	d, ok := ParseLine(line)
	if !ok {
		t.Fatalf("expected K1 line to parse: %q", line)
	}
	if d.Type != "K1" || d.Callsign != "10437" {
		t.Fatalf("got %+v", d)
	}
	if d.Time != [3]int{11, 11, 38} || d.Millis != 370 {
		t.Fatalf("unexpected time fields: %+v", d)
	}
}

func TestParseLineK2(t *testing.T) {
	line := "K2 11:11:40.082.632 [ 8706] {017} **** FL 5360m [F176]+ F:40%"
	d, ok := ParseLine(line)
	if !ok {
		t.Fatalf("expected K2 line to parse: %q", line)
	}
	if d.Type != "K2" || d.HeightM != 5360 || d.FuelPct != 40 {
		t.Fatalf("got %+v", d)
	}
}

func TestParseLineIgnoresGarbage(t *testing.T) {
	cases := []string{
		"",
		"not a packet at all",
		"K1 11:11:38.370.366 [ 8832] {018} ****",   // missing :<callsign>
		"K2 11:11:40.082.632 [ 8706] {017} **** FL 5360m", // missing F:<fuel>%
	}
	for _, line := range cases {
		if _, ok := ParseLine(line); ok {
			t.Errorf("expected %q to be rejected", line)
		}
	}
}

func TestEventTimeHandlesMidnightRollover(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 5, 0, 0, time.UTC)
	d := Decoded{Time: [3]int{23, 58, 0}}

	et := EventTime(d, now)
	if et.Day() != 30 {
		t.Fatalf("expected previous day's date for decoder-before-midnight line, got %v", et)
	}
}

func TestEventTimeSameDay(t *testing.T) {
	now := time.Date(2026, 7, 31, 11, 15, 0, 0, time.UTC)
	d := Decoded{Time: [3]int{11, 11, 38}, Millis: 370}

	et := EventTime(d, now)
	if et.Day() != 31 || et.Hour() != 11 || et.Minute() != 11 || et.Second() != 38 {
		t.Fatalf("unexpected event time: %v", et)
	}
}
