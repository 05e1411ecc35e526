package pipeline

import (
	"fmt"
	"sort"

	"llmbatch/pkg/contract"
)

// aggregate 是全部批完成后的汇合点：按 BatchIndex 排序、校验完整性，
// 并把每条输入记录与其解析结果合并为输出行（识别字段同名时覆盖输入值）。
func aggregate(ds contract.Dataset, batches []contract.Batch, outs []outcome, schema contract.OutputSchema) ([]string, []contract.Fields, error) {
	sorted := append([]outcome(nil), outs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].index < sorted[j].index })
	if len(sorted) != len(batches) {
		return nil, nil, fmt.Errorf("aggregate: %d results for %d batches: %w", len(sorted), len(batches), contract.ErrInvariantViolation)
	}
	rows := make([]contract.Fields, 0, len(ds.Records))
	for i, o := range sorted {
		if o.index != int64(i) {
			// 重复或缺失的批序
			return nil, nil, fmt.Errorf("aggregate: batch %d at position %d: %w", o.index, i, contract.ErrInvariantViolation)
		}
		b := batches[i]
		if len(o.result.Rows) != len(b.Records) {
			return nil, nil, fmt.Errorf("aggregate: batch %d has %d rows for %d records: %w", i, len(o.result.Rows), len(b.Records), contract.ErrInvariantViolation)
		}
		for k, rec := range b.Records {
			row := rec.Fields.Clone()
			if row == nil {
				row = make(contract.Fields, len(schema.Fields))
			}
			for _, f := range schema.Fields {
				row[f] = o.result.Rows[k][f]
			}
			rows = append(rows, row)
		}
	}
	if len(rows) != len(ds.Records) {
		return nil, nil, fmt.Errorf("aggregate: %d rows for %d records: %w", len(rows), len(ds.Records), contract.ErrInvariantViolation)
	}
	return unionHeader(ds.Header, schema.Fields), rows, nil
}

// unionHeader: 输入表头在前，其后追加尚未出现的识别字段。
func unionHeader(input, recognized []string) []string {
	out := make([]string, 0, len(input)+len(recognized))
	seen := make(map[string]struct{}, cap(out))
	for _, group := range [][]string{input, recognized} {
		for _, h := range group {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}
