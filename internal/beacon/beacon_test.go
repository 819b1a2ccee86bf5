package beacon

import "testing"

func TestReadable(t *testing.T) {
	tests := []struct {
		name    string
		height  int64
		current int64
		want    bool
	}{
		{name: "zero height never readable", height: 0, current: 100, want: false},
		{name: "negative height", height: -3, current: 100, want: false},
		{name: "future round", height: 101, current: 100, want: false},
		{name: "current round", height: 100, current: 100, want: true},
		{name: "horizon edge", height: 100, current: 100 + Horizon, want: true},
		{name: "past horizon", height: 100, current: 101 + Horizon, want: false},
	}
	for _, tc := range tests {
		if got := Readable(tc.height, tc.current); got != tc.want {
			t.Fatalf("%s: Readable(%d, %d)=%v want %v", tc.name, tc.height, tc.current, got, tc.want)
		}
	}
}
