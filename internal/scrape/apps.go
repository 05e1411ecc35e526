package scrape

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OverviewBase: 榜单概览页地址前缀。
const OverviewBase = "https://app.sensortower.com/overview/"

// AppsFile: apps.yaml 的结构。
type AppsFile struct {
	Apps []App `yaml:"apps"`
}

// App: 一个被追踪的应用，按地区与平台展开为多个抓取目标。
type App struct {
	ID      string    `yaml:"id"`
	Regions []string  `yaml:"regions"`
	IOS     *Platform `yaml:"ios"`
	Android *Platform `yaml:"android"`
}

// Platform: 平台上的应用标识。
type Platform struct {
	ID string `yaml:"id"`
}

// Target: 单个抓取目标；Key 形如 "<app>_<region>_<platform>"。
type Target struct {
	Key string
	URL string
}

// LoadApps 读取 apps.yaml 并展开为抓取目标。
func LoadApps(path string) ([]Target, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseApps(b)
}

// ParseApps 解析 apps.yaml 内容。平台缺失或 id 为空时不产生目标。
func ParseApps(b []byte) ([]Target, error) {
	var f AppsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("apps: %w", err)
	}
	var out []Target
	for i, a := range f.Apps {
		if strings.TrimSpace(a.ID) == "" {
			return nil, fmt.Errorf("apps[%d]: id required", i)
		}
		for _, region := range a.Regions {
			region = strings.TrimSpace(region)
			if region == "" {
				continue
			}
			for _, p := range []struct {
				name string
				pl   *Platform
			}{{"ios", a.IOS}, {"android", a.Android}} {
				if p.pl == nil || strings.TrimSpace(p.pl.ID) == "" {
					continue
				}
				out = append(out, Target{
					Key: fmt.Sprintf("%s_%s_%s", a.ID, strings.ToLower(region), p.name),
					URL: OverviewBase + url.PathEscape(p.pl.ID) + "?country=" + url.QueryEscape(region),
				})
			}
		}
	}
	return out, nil
}
