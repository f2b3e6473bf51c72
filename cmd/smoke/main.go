// Command smoke checks that a deployed shell shows its welcome dialog with a
// Continue button. Exit status is 0 on pass, 1 on timeout or assertion
// failure, 2 on bad usage.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bubble-pop-frenzy/offline-shell/internal/smoke"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("smoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	target := fs.String("url", os.Getenv("SMOKE_URL"), "部署地址（默认读取 SMOKE_URL）")
	selector := fs.String("selector", smoke.DefaultWelcomeSelector, "欢迎框 CSS 选择器")
	text := fs.String("text", smoke.DefaultButtonText, "期望的按钮文本")
	visible := fs.Duration("visible-timeout", smoke.DefaultVisibleTimeout, "等待欢迎框可见的时间")
	button := fs.Duration("button-timeout", smoke.DefaultButtonTimeout, "等待按钮出现的时间")
	chrome := fs.String("chrome", "", "浏览器可执行文件路径")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	result, err := smoke.Run(context.Background(), smoke.Options{
		URL:             *target,
		WelcomeSelector: *selector,
		ButtonText:      *text,
		VisibleTimeout:  *visible,
		ButtonTimeout:   *button,
		ExecPath:        *chrome,
		Logger:          logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "smoke failed: %v\n", err)
		return smoke.ExitCode(err)
	}
	fmt.Fprintf(stdout, "smoke passed: %q (%s)\n", result.Matched, result.Elapsed)
	return 0
}
