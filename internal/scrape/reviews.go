package scrape

import (
	"strings"

	"llmbatch/pkg/contract"
)

// ReviewSeparator: 原始评价文本中卡片之间的分隔行。
const ReviewSeparator = "---"

// ReviewHeader: 评价 CSV 的列顺序。
var ReviewHeader = []string{"使用者", "規格", "日期", "評分", "留言內容"}

// Review: 单条商品评价。
type Review struct {
	User    string
	Spec    string
	Date    string
	Rating  string
	Comment string
}

// Fields 按 ReviewHeader 的列名返回字段映射。
func (r Review) Fields() contract.Fields {
	return contract.Fields{
		"使用者":  r.User,
		"規格":   r.Spec,
		"日期":   r.Date,
		"評分":   r.Rating,
		"留言內容": r.Comment,
	}
}

// ParseReviewBlocks 将以 "---" 分隔的评价卡片文本解析为 Review。
// 卡片行序：使用者、（忽略）、規格、日期、評分、留言…；不足 5 行的卡片跳过。
// 返回解析结果与跳过的卡片数。
func ParseReviewBlocks(text string) ([]Review, int) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var (
		out     []Review
		skipped int
	)
	for _, block := range splitBlocks(text) {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 5 {
			skipped++
			continue
		}
		spec := strings.TrimSpace(lines[2])
		for _, p := range []string{"規格 : ", "規格: ", "規格："} {
			spec = strings.TrimSpace(strings.TrimPrefix(spec, p))
		}
		out = append(out, Review{
			User:    strings.TrimSpace(strings.Trim(lines[0], "*")),
			Spec:    spec,
			Date:    strings.TrimSpace(lines[3]),
			Rating:  strings.TrimSpace(lines[4]),
			Comment: strings.TrimSpace(strings.Join(lines[5:], "")),
		})
	}
	return out, skipped
}

// splitBlocks 按独占一行的分隔符切分，丢弃空块。
func splitBlocks(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == ReviewSeparator {
			flush()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return out
}

// JoinReviewCards 以分隔行连接卡片文本（ParseReviewBlocks 的输入格式）。
func JoinReviewCards(cards []string) string {
	var sb strings.Builder
	for _, c := range cards {
		sb.WriteString(strings.TrimSpace(c))
		sb.WriteString("\n" + ReviewSeparator + "\n")
	}
	return sb.String()
}

// ReviewDataset 将评价转换为表格数据集（可直接交给 Assembler 编码）。
func ReviewDataset(fileID contract.FileID, reviews []Review) contract.Dataset {
	ds := contract.Dataset{FileID: fileID, Header: append([]string(nil), ReviewHeader...)}
	for i, r := range reviews {
		ds.Records = append(ds.Records, contract.Record{Index: contract.Index(i), FileID: fileID, Fields: r.Fields()})
	}
	return ds
}
