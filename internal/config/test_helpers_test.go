package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// shellSection 是测试配置共用的 [Shell] 表。
const shellSection = `
[Shell]
Domain = "bubble.local"
Origin = "https://bubble-pop-frenzy.example/"
`

func fixturePath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("缺少测试配置 %s: %v", name, err)
	}
	return path
}

// writeShellConfig 把全局键与标准 [Shell] 表写入临时配置文件，
// shellExtra 追加在 [Shell] 表末尾。
func writeShellConfig(t *testing.T, global, shellExtra string) string {
	t.Helper()
	content := strings.TrimSpace(global) + "\n" + shellSection + strings.TrimSpace(shellExtra) + "\n"
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
