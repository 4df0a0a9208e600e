// ============================================================================
// framecut 分段建構 - 票數曲線 → 最終影片分段
// ============================================================================
//
// Package: internal/aggregate
// 文件: segments.go
// 功能: 在票數曲線上套用門檻、合併過近切點、為每段選指令
//
// 三個階段:
//   1. 門檻: 幀 f 的票數必須超過 AcceptFraction × Norm(f) 才成為候選切點
//   2. 合併: 距離小於 MinSegmentFrames 的切點只留權重較高者（貪婪），
//            影片頭尾 (0, nframes) 視為不可移除的虛擬切點
//   3. 指令: 每段從重疊窗口的指令候選中，挑投票位置離段中心最近的
//
// 不變量: 輸出分段嚴格相鄰、無縫隙無重疊、完整鋪滿 [0, nframes)
//
// ============================================================================

package aggregate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/seglab/framecut/pkg/types"
)

// ErrInvalidConfig 分段參數不合法
var ErrInvalidConfig = errors.New("aggregate: invalid config")

// Config 分段建構參數
type Config struct {
	// AcceptFraction 接受切點所需的票數比例（相對於該幀的正規化基準）
	AcceptFraction float64
	// MinSegmentFrames 最短分段長度，過近的切點會被合併
	MinSegmentFrames int
	// ExpectedOverlap 規劃時每幀的期望覆蓋窗口數（ceil(windowSize/stride)）
	ExpectedOverlap int
}

func (c Config) Validate() error {
	if c.AcceptFraction <= 0 {
		return fmt.Errorf("%w: accept_fraction must be > 0, got %v", ErrInvalidConfig, c.AcceptFraction)
	}
	if c.MinSegmentFrames < 1 {
		return fmt.Errorf("%w: min_segment_frames must be >= 1, got %d", ErrInvalidConfig, c.MinSegmentFrames)
	}
	if c.ExpectedOverlap < 1 {
		return fmt.Errorf("%w: expected_overlap must be >= 1, got %d", ErrInvalidConfig, c.ExpectedOverlap)
	}
	return nil
}

type candidate struct {
	frame  int
	weight float64
}

// BuildSegments 從聚合曲線產生最終分段。
// 曲線上沒有任何切點通過門檻時，整部影片就是單一分段。
func BuildSegments(tally *Tally, cfg Config) ([]types.Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tally == nil || tally.NFrames <= 0 {
		return nil, nil
	}

	cuts := acceptCuts(tally, cfg)

	bounds := make([]int, 0, len(cuts)+2)
	bounds = append(bounds, 0)
	bounds = append(bounds, cuts...)
	bounds = append(bounds, tally.NFrames)

	segs := make([]types.Segment, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		segs = append(segs, types.Segment{
			SegID:       i,
			StartFrame:  bounds[i],
			EndFrame:    bounds[i+1],
			Instruction: pickInstruction(tally.Votes, bounds[i], bounds[i+1]),
		})
	}
	return segs, nil
}

// acceptCuts 門檻過濾加貪婪合併，回傳遞增排序的切點幀
func acceptCuts(tally *Tally, cfg Config) []int {
	var cands []candidate
	for f, mass := range tally.Curve {
		if f <= 0 || f >= tally.NFrames {
			continue
		}
		if mass > cfg.AcceptFraction*tally.Norm(f, cfg.ExpectedOverlap) {
			cands = append(cands, candidate{frame: f, weight: mass})
		}
	}

	// 權重高者優先落子，同權重取較早的幀，結果才可重現
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].weight != cands[j].weight {
			return cands[i].weight > cands[j].weight
		}
		return cands[i].frame < cands[j].frame
	})

	// 頭尾是虛擬切點：任何候選都不能靠它們太近
	accepted := []int{0, tally.NFrames}
	for _, c := range cands {
		ok := true
		for _, a := range accepted {
			d := c.frame - a
			if d < 0 {
				d = -d
			}
			if d < cfg.MinSegmentFrames {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, c.frame)
		}
	}

	cuts := accepted[2:]
	sort.Ints(cuts)
	return cuts
}

// pickInstruction 為分段 [start, end) 選指令：
// 先找與分段重疊的投票中，位置離段中心最近者；沒有重疊票時退而求其次
// 取全體中最近者；完全沒有票就留空字串。平手取較小的窗口 ID。
func pickInstruction(votes []InstructionVote, start, end int) string {
	center := (start + end) / 2

	best := nearestVote(votes, center, func(v InstructionVote) bool {
		return v.SpanStart < end && v.SpanEnd > start
	})
	if best == nil {
		best = nearestVote(votes, center, func(InstructionVote) bool { return true })
	}
	if best == nil {
		return ""
	}
	return best.Text
}

func nearestVote(votes []InstructionVote, center int, keep func(InstructionVote) bool) *InstructionVote {
	var best *InstructionVote
	bestDist := 0
	for i := range votes {
		v := &votes[i]
		if !keep(*v) {
			continue
		}
		d := v.Pos - center
		if d < 0 {
			d = -d
		}
		switch {
		case best == nil,
			d < bestDist,
			d == bestDist && v.WindowID < best.WindowID,
			d == bestDist && v.WindowID == best.WindowID && v.Pos < best.Pos:
			best = v
			bestDist = d
		}
	}
	return best
}
