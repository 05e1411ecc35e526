package scrape

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// NA: 无法取得排名时的占位值。
const NA = "NA"

var rankingRe = regexp.MustCompile(`^#(\d+)\n(.+?) - (.+)`)

// Ranking: 应用在分类榜单中的名次。Rank 为 0 表示未取得（序列化为 "NA"）。
type Ranking struct {
	Rank     int
	Category string
	Metric   string
}

// Found 报告是否取得有效名次。
func (r Ranking) Found() bool { return r.Rank > 0 }

// ParseRanking 解析 "#12\nProductivity - Top Free" 形式的排名文本。
func ParseRanking(text string) (Ranking, bool) {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n")
	m := rankingRe.FindStringSubmatch(text)
	if m == nil {
		return Ranking{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return Ranking{}, false
	}
	return Ranking{Rank: n, Category: strings.TrimSpace(m[2]), Metric: strings.TrimSpace(m[3])}, true
}

type rankingJSON struct {
	Rank     any    `json:"rank"`
	Category string `json:"category"`
}

// MarshalJSON 输出 {"rank": 12, "category": "..."}；未取得时两者均为 "NA"。
func (r Ranking) MarshalJSON() ([]byte, error) {
	if !r.Found() {
		return json.Marshal(rankingJSON{Rank: NA, Category: NA})
	}
	return json.Marshal(rankingJSON{Rank: r.Rank, Category: r.Category})
}

// UnmarshalJSON 接受数字或 "NA" 形式的 rank。
func (r *Ranking) UnmarshalJSON(b []byte) error {
	var raw struct {
		Rank     json.RawMessage `json:"rank"`
		Category string          `json:"category"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Ranking{}
	var n int
	if err := json.Unmarshal(raw.Rank, &n); err == nil && n > 0 {
		r.Rank = n
		r.Category = raw.Category
	}
	return nil
}
