package rounds

import "testing"

func TestCalcScore(t *testing.T) {
	cases := []struct {
		taps int64
		want int64
	}{
		{0, 0},
		{-3, 0},
		{1, 1},
		{10, 10},
		{11, 20},
		{21, 30},
		{22, 40},
		{33, 60},
	}
	for _, tc := range cases {
		if got := CalcScore(tc.taps); got != tc.want {
			t.Fatalf("CalcScore(%d): got=%d want=%d", tc.taps, got, tc.want)
		}
	}
}
