package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Defaults(t *testing.T) {
	// 1. 空目录 (没有 .cvignore)
	matcher, err := NewMatcher(t.TempDir(), nil, nil)
	require.NoError(t, err)

	// 2. 验证默认规则
	tests := []struct {
		path     string
		shouldIg bool
	}{
		{".cv", true},
		{".cv/objects/aa", true}, // 子路径也应该被忽略
		{".git", true},
		{".DS_Store", true},
		{"main.go", false},
		{"data/model.bin", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.shouldIg, matcher.Matches(tt.path), "Path: %s", tt.path)
		})
	}
}

func TestMatcher_WithUserFile(t *testing.T) {
	tmpDir := t.TempDir()

	// 1. 创建 .cvignore，写入自定义规则
	ignoreContent := `
# 这是注释
*.log
temp
!important.log
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, FileName), []byte(ignoreContent), 0644))

	matcher, err := NewMatcher(tmpDir, nil, nil)
	require.NoError(t, err)

	// 2. 验证混合规则 (默认 + 用户)
	tests := []struct {
		path     string
		shouldIg bool
	}{
		{".cv", true},
		{"app.log", true},
		{"logs/error.log", true},
		{"temp", true},
		{"temp/file", true},
		{"main.go", false},
		{"important.log", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.shouldIg, matcher.Matches(tt.path), "Path: %s", tt.path)
		})
	}
}

func TestMatcher_IncludeExclude(t *testing.T) {
	matcher, err := NewMatcher(t.TempDir(), []string{"*.tmp"}, []string{"*.bin", "docs"})
	require.NoError(t, err)

	tests := []struct {
		path string
		keep bool
	}{
		{"model.bin", true},
		{"weights/layer.bin", true},
		{"docs/readme.md", true},
		{"main.go", false},   // 不在 include 中
		{"cache.tmp", false}, // 被 exclude
		{".cv/x.bin", false}, // 默认规则优先
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.keep, matcher.Keep(tt.path))
		})
	}

	assert.True(t, matcher.SkipDir(".cv"))
	assert.False(t, matcher.SkipDir("weights"), "include 不影响目录遍历")
}
