// ============================================================================
// framecut 投票聚合 - 窗口轉場投票 → 每幀票數曲線
// ============================================================================
//
// Package: internal/aggregate
// 文件: votes.go
// 功能: 把重疊窗口回報的轉場候選，聚合成影片幀軸上的加權票數曲線
//
// 核心想法:
//   窗口邊緣的預測最不可靠（windowed inference 的已知失效模式），
//   所以每張票依它在窗口內的位置做 raised-cosine（Hanning）衰減：
//   窗口中心權重接近 1，兩端趨近 0。靠近某窗口邊緣的幀，
//   會落在相鄰重疊窗口的中心附近，由那個窗口的票主導。
//
// 決定性:
//   相同的結果集合永遠產生相同曲線——窗口按 ID 排序後累加，
//   與呼叫端提供結果的順序無關。
//
// ============================================================================

package aggregate

import (
	"math"
	"sort"
	"strings"

	"github.com/seglab/framecut/pkg/types"
)

// InstructionVote 一個窗口對自己某個內部區段提出的指令候選。
// Pos 是區段中點的絕對幀索引，分段建構時用來挑「離段中心最近」的指令。
type InstructionVote struct {
	WindowID  int
	SpanStart int // absolute, inclusive
	SpanEnd   int // absolute, exclusive
	Pos       int // absolute span midpoint
	Text      string
}

// Tally 單部影片一次聚合的完整結果
type Tally struct {
	NFrames      int
	Curve        map[int]float64 // frame -> accumulated weighted vote mass
	Contributing map[int]int     // frame -> done windows covering that frame
	Votes        []InstructionVote
}

// HannWeight 回傳窗口內偏移 offset（0 <= offset < span）的邊緣衰減權重。
// 取長度 span+2 的 Hanning 窗的內部，端點永不為零：
// w(i) = 0.5 - 0.5*cos(2π(i+1)/(span+1))
func HannWeight(offset, span int) float64 {
	if span <= 0 || offset < 0 || offset >= span {
		return 0
	}
	if span == 1 {
		return 1
	}
	return 0.5 - 0.5*math.Cos(2*math.Pi*float64(offset+1)/float64(span+1))
}

// Aggregate 把所有已完成窗口的結果聚合成票數曲線與指令候選。
//
// 每個轉場偏移 t 映射到絕對幀 f = window.StartFrame + t，
// 以 HannWeight(t, window.Len()) 加權後累加到 Curve[f]。
// 越界或重複的偏移直接忽略（後端輸出不可信）。
//
// 純函式：不修改輸入，重跑得到相同結果。
func Aggregate(nframes int, windows []types.Window, results map[int]*types.JobResult) *Tally {
	t := &Tally{
		NFrames:      nframes,
		Curve:        make(map[int]float64),
		Contributing: make(map[int]int),
	}
	if nframes <= 0 {
		return t
	}

	sorted := make([]types.Window, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, w := range sorted {
		res := results[w.ID]
		if res == nil {
			continue
		}
		span := w.Len()
		if span <= 0 {
			continue
		}

		for f := w.StartFrame; f < w.EndFrame && f < nframes; f++ {
			t.Contributing[f]++
		}

		offsets := validOffsets(res.Transitions, span)
		for _, off := range offsets {
			f := w.StartFrame + off
			if f >= nframes {
				continue
			}
			t.Curve[f] += HannWeight(off, span)
		}

		t.Votes = append(t.Votes, instructionVotes(w, offsets, res.Instructions)...)
	}
	return t
}

// Norm 回傳幀 f 的票數正規化基準：min(期望重疊數, 實際貢獻窗口數)，至少為 1。
// 影片頭尾的重疊數天然較少，用實際貢獻數修正，避免頭尾的門檻過高。
// 這是一個有意暴露的可調參數口，不是隱藏常數。
func (t *Tally) Norm(f, expectedOverlap int) float64 {
	n := t.Contributing[f]
	if expectedOverlap < n {
		n = expectedOverlap
	}
	if n < 1 {
		n = 1
	}
	return float64(n)
}

// validOffsets 過濾並排序窗口內轉場偏移：去重、去越界
func validOffsets(transitions []int, span int) []int {
	seen := make(map[int]bool, len(transitions))
	var out []int
	for _, t := range transitions {
		if t <= 0 || t >= span || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// instructionVotes 把窗口內的轉場邊界切成區段，第 i 段標上 instructions[i]。
// 空白或 "unknown" 的標籤丟棄（後端以它表示沒有可用描述）。
func instructionVotes(w types.Window, offsets []int, instructions []string) []InstructionVote {
	span := w.Len()
	boundaries := make([]int, 0, len(offsets)+2)
	boundaries = append(boundaries, 0)
	boundaries = append(boundaries, offsets...)
	boundaries = append(boundaries, span)

	var out []InstructionVote
	for i := 0; i+1 < len(boundaries); i++ {
		if i >= len(instructions) {
			break
		}
		text := trimInstruction(instructions[i])
		if text == "" {
			continue
		}
		s, e := boundaries[i], boundaries[i+1]
		if e <= s {
			continue
		}
		out = append(out, InstructionVote{
			WindowID:  w.ID,
			SpanStart: w.StartFrame + s,
			SpanEnd:   w.StartFrame + e,
			Pos:       w.StartFrame + (s+e)/2,
			Text:      text,
		})
	}
	return out
}

func trimInstruction(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.EqualFold(trimmed, "unknown") {
		return ""
	}
	return trimmed
}
