package ignore

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是工作区根目录下用户自定义忽略规则的文件名
const FileName = ".cvignore"

// Matcher 封装了忽略逻辑
// 它负责判断一个路径是否应该被快照忽略
type Matcher struct {
	ignorer *gitignore.GitIgnore
	include *gitignore.GitIgnore // 非 nil 时只保留匹配的文件
}

// defaultRules 是强制生效的系统规则
var defaultRules = []string{
	// --- 关键系统目录 ---
	".cv",  // 仓库元数据目录，索引它会导致无限递归
	".git", // 忽略 Git 仓库数据

	// --- 安全与配置 ---
	".env",

	// --- 常见垃圾文件 ---
	".DS_Store", // macOS
	"Thumbs.db", // Windows
}

// NewMatcher 初始化忽略匹配器
// rootPath: 工作区根目录 (用于查找 .cvignore)
// exclude: 额外的排除规则，和 .cvignore 语法相同
// include: 非空时只保留匹配其中任一规则的文件
func NewMatcher(rootPath string, exclude, include []string) (*Matcher, error) {
	rules := append(append([]string{}, defaultRules...), exclude...)

	var ignorer *gitignore.GitIgnore
	var err error

	// 1. 检查用户是否有 .cvignore 文件
	ignoreFilePath := filepath.Join(rootPath, FileName)
	if _, errStat := os.Stat(ignoreFilePath); errStat == nil {
		// 情况 A: 文件内容和默认规则合并编译
		ignorer, err = gitignore.CompileIgnoreFileAndLines(ignoreFilePath, rules...)
		if err != nil {
			return nil, err
		}
	} else {
		// 情况 B: 仅编译默认规则
		ignorer = gitignore.CompileIgnoreLines(rules...)
	}

	m := &Matcher{ignorer: ignorer}
	if len(include) > 0 {
		m.include = gitignore.CompileIgnoreLines(include...)
	}
	return m, nil
}

// Matches 检查给定的路径是否匹配忽略规则
// path: 相对于工作区根目录、以 / 分隔的路径 (例如 "data/model.bin")
// 返回: true 表示应该忽略 (Skip)
func (m *Matcher) Matches(path string) bool {
	if m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(path)
}

// SkipDir 判断遍历时是否整个跳过一个目录。
// include 规则只作用于文件，所以这里只看忽略规则。
func (m *Matcher) SkipDir(path string) bool {
	return m.Matches(path)
}

// Keep 判断一个文件是否进入快照
func (m *Matcher) Keep(path string) bool {
	if m.Matches(path) {
		return false
	}
	if m.include != nil && !m.include.MatchesPath(path) {
		return false
	}
	return true
}
