package tabular

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"llmbatch/pkg/contract"
)

// readJSON 接受：
//   - 对象数组：[{...}, {...}]，每个对象一条记录；
//   - 顶层对象：{"k": {...}, ...}，按键排序展开为记录，键写入 "key" 字段；
//     形如 rankings.json 的 date → {app → {rank, category}} 会被再展开一层；
//   - 首个值为对象且其后还有值时，整体按 JSON Lines 读取。
func readJSON(r io.Reader) ([]string, []contract.Fields, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	data = bytes.TrimPrefix(bytes.TrimSpace(data), utf8BOM)
	if len(data) == 0 {
		return nil, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, nil, err
	}
	if dec.More() {
		if _, ok := v.(map[string]any); ok {
			return readJSONLines(bytes.NewReader(data))
		}
	}
	if err := expectEOF(dec); err != nil {
		return nil, nil, err
	}
	var hs headerSet
	var rows []contract.Fields
	switch t := v.(type) {
	case []any:
		for i, it := range t {
			obj, ok := it.(map[string]any)
			if !ok {
				return nil, nil, fmt.Errorf("element %d is not an object", i)
			}
			rows = append(rows, flatten(obj, &hs))
		}
	case map[string]any:
		keys := sortedKeys(t)
		hs.add("key")
		for _, k := range keys {
			obj, ok := t[k].(map[string]any)
			if !ok {
				f := contract.Fields{"key": k}
				hs.add("value")
				f["value"] = scalar(t[k])
				rows = append(rows, f)
				continue
			}
			f := flatten(obj, &hs)
			f["key"] = k
			rows = append(rows, f)
		}
	default:
		return nil, nil, errors.New("top-level value must be an array or object")
	}
	return hs.order, fill(rows, hs.order), nil
}

// readJSONLines: 每行一个对象；空行忽略。
func readJSONLines(r io.Reader) ([]string, []contract.Fields, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var hs headerSet
	var rows []contract.Fields
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if line == 1 {
			b = bytes.TrimPrefix(b, utf8BOM)
		}
		if len(b) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, nil, fmt.Errorf("line %d: %v", line, err)
		}
		if err := expectEOF(dec); err != nil {
			return nil, nil, fmt.Errorf("line %d: %v", line, err)
		}
		rows = append(rows, flatten(obj, &hs))
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return hs.order, fill(rows, hs.order), nil
}

// expectEOF: 顶层值之后只允许空白。
func expectEOF(dec *json.Decoder) error {
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after value at offset %d", dec.InputOffset())
	}
	return nil
}

// flatten 将嵌套对象展开为点号路径字段；数组以 JSON 文本保存。
func flatten(obj map[string]any, hs *headerSet) contract.Fields {
	out := contract.Fields{}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for _, k := range sortedKeys(m) {
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			if sub, ok := m[k].(map[string]any); ok {
				walk(name, sub)
				continue
			}
			hs.add(name)
			out[name] = scalar(m[k])
		}
	}
	walk("", obj)
	return out
}

// fill 为缺失字段补空串，使每行覆盖完整表头。
func fill(rows []contract.Fields, header []string) []contract.Fields {
	for _, r := range rows {
		for _, h := range header {
			if _, ok := r[h]; !ok {
				r[h] = ""
			}
		}
	}
	return rows
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
