package rate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// 未配置 api_key_env 时各客户端读取的环境变量。
var defaultKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GOOGLE_API_KEY",
}

// 离线客户端共用的分组密钥。
const offlineKey = "MOCK_DEBUG_KEY"

// KeyFor 返回 provider 的限流分组键 "<client>:<sha256(key) 前 8 字节>"。
// 同一把 API Key 的多个 provider 落在同一分组、共享额度；找不到 key 时返回错误。
func KeyFor(client string, options json.RawMessage) (LimitKey, error) {
	var o struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	if len(options) > 0 {
		// 其余字段由客户端自身校验
		_ = json.Unmarshal(options, &o)
	}
	key := o.APIKey
	switch {
	case key != "":
	case client == "mock" || client == "flaky":
		key = offlineKey
	default:
		env := o.APIKeyEnv
		if env == "" {
			env = defaultKeyEnv[client]
		}
		if env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(client + ":" + hex.EncodeToString(sum[:8])), nil
}
