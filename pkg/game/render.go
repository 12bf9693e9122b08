package game

import (
	"fmt"
	"strings"
)

// Render draws s as cols x rows characters plus a score line. Paddles are
// '|' and the ball is 'o'.
func Render(s State, cols, rows int) []string {
	if cols < 8 {
		cols = 8
	}
	if rows < 4 {
		rows = 4
	}
	grid := make([][]byte, rows)
	for r := range grid {
		grid[r] = []byte(strings.Repeat(" ", cols))
	}
	toCol := func(x int32) int {
		return clampInt(int(int64(x+halfW)*int64(cols)/BoardWidth), 0, cols-1)
	}
	toRow := func(y int32) int {
		return clampInt(int(int64(halfH-y)*int64(rows)/BoardHeight), 0, rows-1)
	}
	for h, sign := range [Players]int32{-1, 1} {
		c := toCol(sign * PaddleX)
		for r := toRow(s.Paddles[h] + halfPaddle); r <= toRow(s.Paddles[h]-halfPaddle); r++ {
			grid[r][c] = '|'
		}
	}
	grid[toRow(s.BallY)][toCol(s.BallX)] = 'o'

	border := "+" + strings.Repeat("-", cols) + "+"
	out := make([]string, 0, rows+3)
	out = append(out, fmt.Sprintf(" %d : %d   frame %d", s.Scores[0], s.Scores[1], s.Frame))
	out = append(out, border)
	for _, row := range grid {
		out = append(out, "|"+string(row)+"|")
	}
	return append(out, border)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
