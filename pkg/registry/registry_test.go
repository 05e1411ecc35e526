package registry

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbatch/pkg/contract"
)

var schema = contract.OutputSchema{Fields: []string{"類別", "情感"}, Delimiter: contract.DefaultDelimiter}

// TestStrictUnmarshal 验证严格解码逻辑。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	require.NoError(t, strictUnmarshal(nil, &o))
	assert.Zero(t, o.A)
	require.NoError(t, strictUnmarshal(json.RawMessage(`{"a":1}`), &o))
	assert.Equal(t, 1, o.A)
	assert.Error(t, strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o), "未知字段应报错")
}

// TestFactories 遍历注册表入口。
func TestFactories(t *testing.T) {
	unknown := json.RawMessage(`{"x":1}`)
	t.Run("reader", func(t *testing.T) {
		_, err := Reader["fs"](json.RawMessage(`{}`))
		require.NoError(t, err)
		_, err = Reader["fs"](unknown)
		assert.Error(t, err)
	})
	t.Run("splitter", func(t *testing.T) {
		_, err := Splitter["tabular"](json.RawMessage(`{"format":"csv"}`))
		require.NoError(t, err)
		_, err = Splitter["tabular"](unknown)
		assert.Error(t, err)
	})
	t.Run("chunker", func(t *testing.T) {
		_, err := Chunker["fixed"](nil)
		require.NoError(t, err)
		_, err = Chunker["fixed"](unknown)
		assert.Error(t, err)
	})
	t.Run("prompt", func(t *testing.T) {
		_, err := PromptBuilder["classify"](json.RawMessage(`{}`), schema)
		require.NoError(t, err)
		_, err = PromptBuilder["classify"](unknown, schema)
		assert.Error(t, err)
		_, err = PromptBuilder["classify"](nil, contract.OutputSchema{})
		assert.ErrorIs(t, err, contract.ErrInvalidInput)
	})
	t.Run("parser", func(t *testing.T) {
		_, err := Parser["structured"](nil, schema)
		require.NoError(t, err)
		_, err = Parser["structured"](unknown, schema)
		assert.Error(t, err)
	})
	t.Run("assembler", func(t *testing.T) {
		a, err := Assembler["csv"](nil)
		require.NoError(t, err)
		assert.Equal(t, ".csv", a.Ext())
		a, err = Assembler["jsonl"](nil)
		require.NoError(t, err)
		assert.Equal(t, ".jsonl", a.Ext())
		_, err = Assembler["jsonl"](unknown)
		assert.Error(t, err)
	})
	t.Run("writer", func(t *testing.T) {
		tmp := t.TempDir()
		_, err := Writer["fs"](json.RawMessage(fmt.Sprintf(`{"output_dir":%q}`, tmp)))
		require.NoError(t, err)
		_, err = Writer["fs"](json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"x":1}`, tmp)))
		assert.Error(t, err)
	})
	t.Run("llm-mock", func(t *testing.T) {
		_, err := LLMClient["mock"](json.RawMessage(`{}`), schema)
		require.NoError(t, err)
		_, err = LLMClient["flaky"](json.RawMessage(`{}`), schema)
		require.NoError(t, err)
	})
	t.Run("llm-missing-key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("GOOGLE_API_KEY", "")
		_, err := LLMClient["openai"](json.RawMessage(`{}`), schema)
		assert.ErrorIs(t, err, contract.ErrInvalidInput)
		_, err = LLMClient["gemini"](json.RawMessage(`{}`), schema)
		assert.ErrorIs(t, err, contract.ErrInvalidInput)
	})
}
