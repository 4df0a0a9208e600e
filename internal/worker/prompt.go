package worker

import "fmt"

// BuildPrompt 依本窗口的取樣影格數生成邊界偵測提示詞。
// transitions 用影格序號（第幾張圖，0 起算），不是影片幀號——
// 模型只看得到取樣後的序列。
func BuildPrompt(frameCount int) string {
	return fmt.Sprintf(`You are given %d frames sampled in order from one window of a robot manipulation video.

Identify where the robot switches from one sub-task to another. A transition is the first frame of a new sub-task. Frame numbers are 0-based positions in this sampled sequence. Frame 0 is never a transition.

Describe each resulting span with one short imperative instruction (e.g. "pick up the red block"). With N transitions there are N+1 spans, so return N+1 instructions. If a span shows no meaningful action, use "unknown".

Respond with JSON only, in exactly this shape:
{"thought": "<brief reasoning>", "transitions": [<frame numbers>], "instructions": ["<one per span>"]}

If the whole window is a single sub-task, return an empty transitions list and one instruction.`, frameCount)
}
