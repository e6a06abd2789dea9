package imaging

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	dicomDateLayout = "20060102"
	dicomTimeLayout = "150405"
)

// FormatDicomDate renders t as a DICOM DA value (YYYYMMDD).
func FormatDicomDate(t time.Time) string {
	return t.Format(dicomDateLayout)
}

// FormatDicomDateTime renders t as a DICOM DT value,
// YYYYMMDDHHMMSS[.FFF]&ZZXX.
func FormatDicomDateTime(t time.Time) string {
	var b strings.Builder
	b.WriteString(t.Format("20060102150405"))
	if ms := t.Nanosecond() / int(time.Millisecond); ms > 0 {
		fmt.Fprintf(&b, ".%03d", ms)
	}
	b.WriteString(t.Format("-0700"))
	return b.String()
}

// NormalizeDicomDate accepts YYYYMMDD or YYYY-MM-DD and returns the DICOM
// form, rejecting dates that do not exist.
func NormalizeDicomDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	layout := dicomDateLayout
	if strings.Contains(s, "-") {
		layout = "2006-01-02"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return "", NewValidationError("date", "%q is not a valid date", s)
	}
	return FormatDicomDate(t), nil
}

// DicomTimeFrom12h converts "hh:mm" plus "AM"/"PM" into a DICOM TM value
// (HHMMSS).
func DicomTimeFrom12h(clock, period string) (string, error) {
	hourStr, minuteStr, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return "", NewValidationError("time", "%q is not hh:mm", clock)
	}
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 1 || hour > 12 {
		return "", NewValidationError("time", "hour %q must be 1-12", hourStr)
	}
	minute, err := strconv.Atoi(minuteStr)
	if err != nil || minute < 0 || minute > 59 {
		return "", NewValidationError("time", "minute %q must be 0-59", minuteStr)
	}

	switch strings.ToUpper(strings.TrimSpace(period)) {
	case "AM":
		if hour == 12 {
			hour = 0
		}
	case "PM":
		if hour < 12 {
			hour += 12
		}
	default:
		return "", NewValidationError("period", "must be AM or PM, got %q", period)
	}
	return fmt.Sprintf("%02d%02d00", hour, minute), nil
}

// NormalizeDicomTime accepts HHMMSS, HHMM or HH:MM[:SS] in 24h form and
// returns HHMMSS.
func NormalizeDicomTime(s string) (string, error) {
	d := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	if len(d) == 4 {
		d += "00"
	}
	if _, err := time.Parse(dicomTimeLayout, d); err != nil {
		return "", NewValidationError("time", "%q is not a valid time", s)
	}
	return d, nil
}
