package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"llmbatch/pkg/contract"
	wfs "llmbatch/plugins/writer/filesystem"
)

// DateLayout: rankings.json 的日期键格式。
const DateLayout = "2006-01-02"

// History: 日期 → 目标键 → 排名。
type History map[string]map[string]Ranking

// RankingStore 维护 rankings.json：按日期追加/覆盖当天结果，原子写回。
type RankingStore struct {
	Path string
}

// Load 读取历史；文件不存在或内容损坏时返回空历史。
func (s RankingStore) Load() (History, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rankings: %w", err)
	}
	var h History
	if err := json.Unmarshal(b, &h); err != nil || h == nil {
		return History{}, nil
	}
	return h, nil
}

// Save 以 date 为键写入 rankings（覆盖当天旧值），其余日期保持不变。
func (s RankingStore) Save(ctx context.Context, date string, rankings map[string]Ranking) error {
	h, err := s.Load()
	if err != nil {
		return err
	}
	h[date] = rankings
	b, err := json.MarshalIndent(h, "", "    ")
	if err != nil {
		return err
	}
	dir, base := filepath.Split(s.Path)
	if dir == "" {
		dir = "."
	}
	w, err := wfs.New(&wfs.Options{OutputDir: dir})
	if err != nil {
		return err
	}
	return w.Write(ctx, contract.ArtifactID(base), bytes.NewReader(append(b, '\n')))
}
