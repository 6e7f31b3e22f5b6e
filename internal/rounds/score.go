package rounds

// CalcScore converts a tap count into points: every 11th tap is worth 10.
func CalcScore(taps int64) int64 {
	if taps <= 0 {
		return 0
	}
	return taps/11*9 + taps
}
