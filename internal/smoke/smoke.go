// Package smoke drives a headless browser against a deployed shell and checks
// that the welcome dialog renders with a Continue control.
package smoke

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// 默认等待时间与期望文本。
const (
	DefaultWelcomeSelector = "#welcome-message"
	DefaultButtonText      = "Continue"
	DefaultVisibleTimeout  = 15 * time.Second
	DefaultButtonTimeout   = 10 * time.Second
)

var (
	// ErrTimeout 表示欢迎框或按钮未能在限定时间内出现。
	ErrTimeout = errors.New("smoke: timed out waiting for welcome dialog")
	// ErrAssertion 表示按钮出现了但文本不匹配。
	ErrAssertion = errors.New("smoke: no button with expected text")
	// ErrUsage 表示参数不合法。
	ErrUsage = errors.New("smoke: invalid options")
)

// Options 控制一次冒烟测试。
type Options struct {
	URL             string
	WelcomeSelector string
	ButtonText      string
	VisibleTimeout  time.Duration
	ButtonTimeout   time.Duration
	// ExecPath 指定浏览器可执行文件，空值交给 chromedp 自动查找。
	ExecPath string
	Logger   *logrus.Logger
}

// Result 记录按钮文本与耗时，便于日志输出。
type Result struct {
	Buttons []string
	Matched string
	Elapsed time.Duration
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.WelcomeSelector) == "" {
		o.WelcomeSelector = DefaultWelcomeSelector
	}
	if o.ButtonText == "" {
		o.ButtonText = DefaultButtonText
	}
	if o.VisibleTimeout <= 0 {
		o.VisibleTimeout = DefaultVisibleTimeout
	}
	if o.ButtonTimeout <= 0 {
		o.ButtonTimeout = DefaultButtonTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Validate 检查目标 URL。
func (o Options) Validate() error {
	parsed, err := url.Parse(strings.TrimSpace(o.URL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: url must be an absolute http(s) url, got %q", ErrUsage, o.URL)
	}
	return nil
}

// Run 打开页面，等待欢迎框可见、其中出现按钮，并断言某个按钮的文本（去除首尾空白）等于 ButtonText。
func Run(ctx context.Context, opts Options) (Result, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	started := time.Now()
	logger := opts.Logger.WithFields(logrus.Fields{"action": "smoke", "url": opts.URL})

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	if err := chromedp.Run(browserCtx, chromedp.Navigate(opts.URL)); err != nil {
		return Result{}, fmt.Errorf("navigate %s: %w", opts.URL, err)
	}

	if err := runWithin(browserCtx, opts.VisibleTimeout,
		chromedp.WaitVisible(opts.WelcomeSelector, chromedp.ByQuery)); err != nil {
		return Result{}, fmt.Errorf("%w: %s not visible: %v", ErrTimeout, opts.WelcomeSelector, err)
	}
	logger.Debug("welcome dialog visible")

	buttonSelector := opts.WelcomeSelector + " button"
	if err := runWithin(browserCtx, opts.ButtonTimeout,
		chromedp.WaitReady(buttonSelector, chromedp.ByQuery)); err != nil {
		return Result{}, fmt.Errorf("%w: no button in %s: %v", ErrTimeout, opts.WelcomeSelector, err)
	}

	var texts []string
	script := fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(b => b.textContent || "")`, buttonSelector)
	if err := chromedp.Run(browserCtx, chromedp.Evaluate(script, &texts)); err != nil {
		return Result{}, fmt.Errorf("read button text: %w", err)
	}

	result := Result{Buttons: texts, Elapsed: time.Since(started)}
	matched, ok := MatchButton(texts, opts.ButtonText)
	if !ok {
		return result, fmt.Errorf("%w: want %q, got %q", ErrAssertion, opts.ButtonText, texts)
	}
	result.Matched = matched
	logger.WithField("elapsed", result.Elapsed.String()).Info("smoke passed")
	return result, nil
}

func runWithin(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return chromedp.Run(waitCtx, actions...)
}

// MatchButton 返回第一个去除首尾空白后等于 want 的按钮文本。
func MatchButton(texts []string, want string) (string, bool) {
	for _, text := range texts {
		if strings.TrimSpace(text) == want {
			return text, true
		}
	}
	return "", false
}

// ExitCode 把 Run 的结果映射为进程退出码：0 通过，2 参数错误，其余为 1。
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUsage):
		return 2
	default:
		return 1
	}
}
