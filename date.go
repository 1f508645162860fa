package sdfat

import (
	"time"
)

// fatEpoch is the first representable FAT date.
var fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ParseDate decodes a FAT directory entry date stamp:
//  Bits 0–4: day of month, 1-31.
//  Bits 5–8: month of year, 1-12.
//  Bits 9–15: years since 1980, 0-127.
// A day or month of 0 is invalid, time.Time{} is returned for it so that
// time.Time.IsZero() can be used. A month above 12 rolls over into the next year.
func ParseDate(input uint16) time.Time {
	day := int(input & 0x1F)
	month := int(input >> 5 & 0x0F)
	year := 1980 + int(input>>9)

	if day == 0 || month == 0 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// ParseTime decodes a FAT directory entry time stamp with 2 second granularity:
//  Bits 0–4: seconds / 2, 0-29.
//  Bits 5–10: minutes, 0-59.
//  Bits 11–15: hours, 0-23.
// The result is placed on January 1, year 1. Out of range fields carry over but
// the result is capped at 23:59:59.
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := int(input >> 5 & 0x3F)
	hours := int(input >> 11)

	t := time.Date(1, 1, 1, hours, minutes, seconds, 0, time.UTC)
	if t.Day() != 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}
	return t
}

// ParseDateTime combines a date and a time stamp.
// It returns time.Time{} if the date is invalid.
func ParseDateTime(date, clock uint16) time.Time {
	d := ParseDate(date)
	if d.IsZero() {
		return time.Time{}
	}
	c := ParseTime(clock)
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, time.UTC)
}

// PackDate encodes the date of t. Times before 1980 are clamped to the FAT epoch.
func PackDate(t time.Time) uint16 {
	t = t.UTC()
	if t.Before(fatEpoch) {
		t = fatEpoch
	}
	return uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}

// PackTime encodes the time of day of t, dropping the odd second.
func PackTime(t time.Time) uint16 {
	t = t.UTC()
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}
