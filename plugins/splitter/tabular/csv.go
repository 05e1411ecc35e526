package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"llmbatch/pkg/contract"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// readCSV: 首行为表头；去除 UTF-8 BOM；短行补空、长行截断。
func readCSV(r io.Reader, comma rune) ([]string, []contract.Fields, error) {
	br := bufio.NewReader(r)
	if lead, err := br.Peek(3); err == nil && bytes.Equal(lead, utf8BOM) {
		_, _ = br.Discard(3)
	}
	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var hs headerSet
	header := make([]string, len(head))
	for i, h := range head {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("col%d", i+1)
		}
		if _, dup := hs.seen[h]; dup {
			return nil, nil, fmt.Errorf("duplicate column %q", h)
		}
		hs.add(h)
		header[i] = h
	}
	var rows []contract.Fields
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		f := make(contract.Fields, len(header))
		for i, h := range header {
			if i < len(rec) {
				f[h] = rec[i]
			} else {
				f[h] = ""
			}
		}
		rows = append(rows, f)
	}
	return header, rows, nil
}
