package quality

import "callcore-backend/internal/domain"

type band struct {
	level   domain.QualityLevel
	maxLoss float64 // exclusive, percent
	maxRTT  int     // exclusive, milliseconds
}

// Bands are checked best first; anything outside them is poor.
var bands = []band{
	{level: domain.QualityExcellent, maxLoss: 1, maxRTT: 100},
	{level: domain.QualityGood, maxLoss: 3, maxRTT: 200},
	{level: domain.QualityFair, maxLoss: 5, maxRTT: 300},
}

// Classify maps packet loss (percent) and round-trip time (ms) to a level.
// Negative inputs are treated as 0.
func Classify(packetLoss float64, rtt int) domain.QualityLevel {
	if packetLoss < 0 {
		packetLoss = 0
	}
	if rtt < 0 {
		rtt = 0
	}
	for _, b := range bands {
		if packetLoss < b.maxLoss && rtt < b.maxRTT {
			return b.level
		}
	}
	return domain.QualityPoor
}
