package main

import (
	"fmt"
	"time"
)

type units struct {
	scale uint64
	base  string
	units []string
}

var (
	binaryUnits = &units{
		scale: 1024,
		base:  "",
		units: []string{"KB", "MB", "GB", "TB", "PB"},
	}
	timeUnitsUs = &units{
		scale: 1000,
		base:  "us",
		units: []string{"ms", "s"},
	}
	timeUnitsS = &units{
		scale: 60,
		base:  "s",
		units: []string{"m", "h"},
	}
)

// formatUnits scales n up through m's units once it reaches 85% of the
// next unit.
func formatUnits(n float64, m *units, prec int) string {
	amt, unit := n, m.base
	threshold := float64(m.scale) * 0.85
	for i := 0; i < len(m.units) && amt >= threshold; i++ {
		amt /= float64(m.scale)
		unit = m.units[i]
	}
	return fmt.Sprintf("%.*f%s", prec, amt, unit)
}

func formatBinary(n float64) string {
	return formatUnits(n, binaryUnits, 2)
}

func formatTimeUs(n float64) string {
	if n >= float64(time.Second/time.Microsecond) {
		return formatUnits(n/float64(time.Second/time.Microsecond), timeUnitsS, 2)
	}
	return formatUnits(n, timeUnitsUs, 2)
}

func formatDuration(d time.Duration) string {
	return formatTimeUs(float64(d) / float64(time.Microsecond))
}
