package mock

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbatch/pkg/contract"
)

var schema = contract.OutputSchema{Fields: []string{"類別", "情感"}, Delimiter: "-----"}

func batch() contract.Batch {
	return contract.Batch{TotalCount: 2, Records: []contract.Record{
		{Index: 0, Fields: contract.Fields{"情感": "正面"}},
		{Index: 1},
	}}
}

func TestJSONDelimited(t *testing.T) {
	c, err := New(nil, schema)
	require.NoError(t, err)
	raw, err := c.Invoke(context.Background(), batch(), nil)
	require.NoError(t, err)
	parts := strings.Split(raw.Text, "\n-----\n")
	require.Len(t, parts, 2)
	var obj map[string]string
	require.NoError(t, json.Unmarshal([]byte(parts[1]), &obj))
	assert.Equal(t, map[string]string{"類別": "MOCK:類別#1", "情感": "MOCK:情感#1"}, obj)
	assert.EqualValues(t, 1, c.Calls())
}

func TestEcho(t *testing.T) {
	c, _ := New(json.RawMessage(`{"echo":true}`), schema)
	raw, _ := c.Invoke(context.Background(), batch(), nil)
	assert.Contains(t, raw.Text, `"情感":"正面"`)
}

func TestMarkdownTable(t *testing.T) {
	c, _ := New(json.RawMessage(`{"response_mode":"markdown_table","prefix":"X"}`), schema)
	raw, _ := c.Invoke(context.Background(), batch(), nil)
	assert.Equal(t, "| 類別 | 情感 |\n|---|---|\n| X:類別#0 | X:情感#0 |\n| X:類別#1 | X:情感#1 |\n", raw.Text)
}

func TestFencedAndProse(t *testing.T) {
	c, _ := New(json.RawMessage(`{"response_mode":"fenced"}`), schema)
	raw, _ := c.Invoke(context.Background(), batch(), nil)
	assert.True(t, strings.HasPrefix(raw.Text, "```json\n"))

	c, _ = New(json.RawMessage(`{"response_mode":"prose"}`), schema)
	raw, _ = c.Invoke(context.Background(), batch(), nil)
	assert.NotContains(t, raw.Text, "{")
}

func TestUnknownMode(t *testing.T) {
	_, err := New(json.RawMessage(`{"response_mode":"nope"}`), schema)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestDelayRespectsContext(t *testing.T) {
	c, _ := New(json.RawMessage(`{"delay_ms":1000}`), schema)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Invoke(ctx, batch(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
