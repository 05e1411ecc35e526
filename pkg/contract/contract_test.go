package contract

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizeFileID 验证路径规范化逻辑。
func TestNormalizeFileID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"本地分隔符", filepath.Join("a", "b", "c"), "a/b/c"},
		{"空串", "", "."},
		{"Windows路径", "C:\\Users\\test\\file.csv", "C:/Users/test/file.csv"},
		{"清理多余斜杠", "path//to///file.csv", "path/to/file.csv"},
		{"处理父目录", "path/to/../from/file.csv", "path/from/file.csv"},
		{"混合分隔符", "C:\\Users/test\\Documents/file.csv", "C:/Users/test/Documents/file.csv"},
		{"中文路径", "評論\\資料/商品.csv", "評論/資料/商品.csv"},
		{"复杂父目录", "a\\b\\c\\..\\..\\..\\..\\d", "../d"},
		{"仅分隔符", "\\\\\\///", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(NormalizeFileID(tt.input)))
		})
	}
}

func TestFileIDStem(t *testing.T) {
	assert.Equal(t, "reviews", FileID("data/reviews.csv").Stem())
	assert.Equal(t, "rankings.2024", FileID("rankings.2024.json").Stem())
	assert.Equal(t, ".env", FileID(".env").Stem())
	assert.Equal(t, "data", FileID("data/reviews.csv").Dir())
	assert.Equal(t, ".", FileID("x.csv").Dir())
}

func TestOutputSchemaValidate(t *testing.T) {
	require.NoError(t, OutputSchema{Fields: []string{"a", "b"}, Delimiter: DefaultDelimiter}.Validate())
	cases := map[string]OutputSchema{
		"no fields":   {Delimiter: "---"},
		"no delim":    {Fields: []string{"a"}},
		"empty field": {Fields: []string{"a", ""}, Delimiter: "---"},
		"duplicate":   {Fields: []string{"a", "a"}, Delimiter: "---"},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Validate(), ErrInvalidInput)
		})
	}
}

func TestOutputSchemaEmpty(t *testing.T) {
	s := OutputSchema{Fields: []string{"類別", "情感"}, Delimiter: "-----"}
	assert.Equal(t, Fields{"類別": "", "情感": ""}, s.Empty())
}

func TestFieldsClone(t *testing.T) {
	assert.Nil(t, Fields(nil).Clone())
	f := Fields{"k": "v"}
	c := f.Clone()
	f["k"] = "x"
	assert.Equal(t, "v", c["k"])
	assert.Equal(t, []string{"a", "b"}, Fields{"b": "1", "a": "2"}.Keys())
}

func TestBatchEndIndex(t *testing.T) {
	b := Batch{StartIndex: 10, Records: make([]Record, 3)}
	assert.Equal(t, Index(12), b.EndIndex())
	assert.Equal(t, Index(9), Batch{StartIndex: 10}.EndIndex())
}

func TestStageError(t *testing.T) {
	err := AtStage(StageRead, "in.csv", ErrInputUnreadable)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInputUnreadable)
	assert.Equal(t, "read in.csv: input unreadable", err.Error())

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageRead, se.Stage)

	// 已包装的错误不重复包装
	again := AtStage(StageWrite, "", err)
	require.True(t, errors.As(again, &se))
	assert.Equal(t, StageRead, se.Stage)
	assert.NoError(t, AtStage(StageWrite, "", nil))
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{200, nil},
		{401, ErrBackendFatal},
		{403, ErrBackendFatal},
		{429, ErrRateLimited},
		{408, ErrBackendTransient},
		{503, ErrBackendTransient},
		{400, ErrInvalidInput},
	}
	for _, c := range cases {
		got := ClassifyStatus(c.status)
		if c.want == nil {
			assert.NoError(t, got)
			continue
		}
		assert.ErrorIs(t, got, c.want, "status %d", c.status)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrBackendTransient))
	assert.True(t, IsTransient(ErrRateLimited))
	assert.True(t, IsTransient(timeoutErr{}))
	assert.False(t, IsTransient(ErrBackendFatal))
	assert.False(t, IsTransient(ErrInvalidInput))
	assert.False(t, IsTransient(nil))
}

func TestStatusErrorUnwrap(t *testing.T) {
	err := error(&StatusError{Backend: "x", Status: 503, Message: "busy"})
	assert.ErrorIs(t, err, ErrBackendTransient)
	assert.True(t, IsTransient(err))
	assert.Equal(t, "x upstream 503: busy", err.Error())

	err = &StatusError{Backend: "x", Status: 400, Message: "bad key", Kind: ErrBackendFatal}
	assert.ErrorIs(t, err, ErrBackendFatal)
	assert.False(t, IsTransient(err))

	var ue UpstreamError
	assert.True(t, errors.As(err, &ue))
	assert.Equal(t, 400, ue.UpstreamStatus())
}
