package pipeline

import "github.com/andresmejia3/lipsync/internal/types"

// SmoothBoxes averages every box with the T-1 boxes that follow it.
// Entries whose window would run past the end share the trailing window [N-T, N),
// and when N < T the whole sequence is the window. Means are truncated to whole pixels.
func SmoothBoxes(boxes []types.Box, T int) []types.Box {
	out := make([]types.Box, len(boxes))
	if T <= 0 {
		copy(out, boxes)
		return out
	}

	n := len(boxes)
	for i := range boxes {
		start := i
		if i+T > n {
			start = max(n-T, 0)
		}
		end := min(start+T, n)
		out[i] = meanBox(boxes[start:end])
	}
	return out
}

func meanBox(window []types.Box) types.Box {
	var x1, y1, x2, y2 int
	for _, b := range window {
		x1 += b.X1
		y1 += b.Y1
		x2 += b.X2
		y2 += b.Y2
	}
	n := len(window)
	return types.Box{X1: x1 / n, Y1: y1 / n, X2: x2 / n, Y2: y2 / n}
}
