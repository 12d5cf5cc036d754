package geo

import "strings"

// SamplePrecision is the geohash length stored alongside position samples.
// Seven characters resolve to roughly 150 m, coarse enough that the sample
// log never pins a user to a single doorway.
const SamplePrecision = 7

// base32 is the geohash base32 alphabet ('a', 'i', 'l' and 'o' are excluded).
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode encodes a point into a geohash string of the given length.
// A precision below 1 falls back to SamplePrecision.
func Encode(p Point, precision int) string {
	if precision < 1 {
		precision = SamplePrecision
	}

	latRange := [2]float64{-90.0, 90.0}
	lonRange := [2]float64{-180.0, 180.0}

	var hash strings.Builder
	hash.Grow(precision)

	bit := 0
	var ch uint
	lonBit := true

	for hash.Len() < precision {
		if lonBit {
			mid := (lonRange[0] + lonRange[1]) / 2
			if p.Lon > mid {
				ch |= 1 << (4 - bit)
				lonRange[0] = mid
			} else {
				lonRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if p.Lat > mid {
				ch |= 1 << (4 - bit)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}

		lonBit = !lonBit
		bit++

		if bit == 5 {
			hash.WriteByte(base32[ch])
			bit = 0
			ch = 0
		}
	}

	return hash.String()
}
