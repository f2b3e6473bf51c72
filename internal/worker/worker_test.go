package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/bubble-pop-frenzy/offline-shell/internal/cache"
	"github.com/bubble-pop-frenzy/offline-shell/internal/inventory"
)

func TestColdInstallServesInventoryFromCache(t *testing.T) {
	up := newUpstream(t)
	opts, storage := testOptions(t, up)

	w := installActive(t, inventory.Current, opts)
	if w.State() != StateActive {
		t.Fatalf("安装激活后应为 active，得到 %s", w.State())
	}

	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("列出缓存失败: %v", err)
	}
	if len(names) != 1 || names[0] != "bubble-pop-frenzy-v1" {
		t.Fatalf("期望仅有当前缓存代，得到 %v", names)
	}

	report := w.Report()
	if report.Stored != len(inventory.Current.Assets) || len(report.Failed) != 0 || report.Reused {
		t.Fatalf("安装报告错误: %+v", report)
	}

	index := resolve(t, "./index.html")
	before := up.hitCount(http.MethodGet, index)
	resp, body, err := get(t, w, index)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Header.Get(HeaderCache) != "hit" {
		t.Fatalf("应命中缓存，得到 %d %q", resp.StatusCode, resp.Header.Get(HeaderCache))
	}
	if body != "network:"+index {
		t.Fatalf("缓存正文错误: %s", body)
	}
	if up.hitCount(http.MethodGet, index) != before {
		t.Fatalf("命中缓存不应访问网络")
	}
}

func TestEveryReachableAssetMatchesWithoutNetwork(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)
	w := installActive(t, inventory.Current, opts)

	up.setOffline(true)
	for _, asset := range inventory.Current.Assets {
		target := resolve(t, asset.URL)
		resp, _, err := get(t, w, target)
		if err != nil {
			t.Fatalf("%s 离线请求失败: %v", target, err)
		}
		if resp.Header.Get(HeaderCache) != "hit" {
			t.Fatalf("%s 应命中缓存", target)
		}
	}
}

func TestOfflineAfterInstall(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)
	w := installActive(t, inventory.Current, opts)

	up.setOffline(true)

	resp, body, err := get(t, w, resolve(t, "./src/js/main.js"))
	if err != nil {
		t.Fatalf("离线请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "/bubble/src/js/main.js") {
		t.Fatalf("离线响应错误: %d %s", resp.StatusCode, body)
	}

	if _, _, err := get(t, w, resolve(t, "./api/unknown")); !errors.Is(err, errOffline) {
		t.Fatalf("未缓存的 URL 应返回网络错误，得到 %v", err)
	}
}

func TestUnknownURLGoesToNetwork(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)
	w := installActive(t, inventory.Current, opts)

	target := resolve(t, "./api/unknown")
	resp, _, err := get(t, w, target)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound || resp.Header.Get(HeaderCache) != "" {
		t.Fatalf("应原样返回网络结果，得到 %d %q", resp.StatusCode, resp.Header.Get(HeaderCache))
	}
	if up.hitCount(http.MethodGet, target) != 1 {
		t.Fatalf("应访问一次网络")
	}

	// 网络结果不会写回缓存。
	if _, _, err := get(t, w, target); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if up.hitCount(http.MethodGet, target) != 2 {
		t.Fatalf("第二次请求仍应访问网络")
	}
}

func TestQueryStringIsDistinctKey(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)
	w := installActive(t, inventory.Current, opts)

	target := resolve(t, "./index.html?v=2")
	resp, _, err := get(t, w, target)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.Header.Get(HeaderCache) != "" || up.hitCount(http.MethodGet, target) != 1 {
		t.Fatalf("带 query 的 URL 应视为不同的键")
	}
}

func TestNonGetAlwaysReachesNetwork(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)
	w := installActive(t, inventory.Current, opts)

	index := resolve(t, "./index.html")
	for _, method := range []string{http.MethodPost, http.MethodHead, http.MethodPut} {
		resp, _, err := do(t, w, method, index)
		if err != nil {
			t.Fatalf("%s 请求失败: %v", method, err)
		}
		if resp.Header.Get(HeaderCache) != "" {
			t.Fatalf("%s 不应命中缓存", method)
		}
		if up.hitCount(method, index) != 1 {
			t.Fatalf("%s 应访问一次网络", method)
		}
	}
}

func TestPartialInstallStillActivates(t *testing.T) {
	up := newUpstream(t)
	up.fail(inventory.WebFontCSSURL, http.StatusServiceUnavailable)
	opts, storage := testOptions(t, up)

	w, err := New(inventory.Current, opts)
	if err != nil {
		t.Fatalf("创建 worker 失败: %v", err)
	}
	report, err := w.Install(context.Background())
	if err != nil {
		t.Fatalf("部分失败不应导致安装失败: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Request.URL != inventory.WebFontCSSURL {
		t.Fatalf("失败列表错误: %+v", report.Failed)
	}
	if report.Stored != len(inventory.Current.Assets)-1 {
		t.Fatalf("写入条目数错误: %d", report.Stored)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	if w.State() != StateActive {
		t.Fatalf("应为 active，得到 %s", w.State())
	}

	_, err = storage.Match(context.Background(), cache.NewRequest(inventory.WebFontCSSURL, cache.ModeNoCORS))
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("失败的资源不应写入缓存，得到 %v", err)
	}

	resp, _, err := get(t, w, resolve(t, "./src/js/game.js"))
	if err != nil || resp.Header.Get(HeaderCache) != "hit" {
		t.Fatalf("其余资源应命中缓存: %v", err)
	}

	before := up.hitCount(http.MethodGet, inventory.WebFontCSSURL)
	resp, _, err = get(t, w, inventory.WebFontCSSURL)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || up.hitCount(http.MethodGet, inventory.WebFontCSSURL) != before+1 {
		t.Fatalf("缺失的资源应走网络，得到 %d", resp.StatusCode)
	}
}

func TestCrossOriginAssetsAreOpaque(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)
	w := installActive(t, inventory.Current, opts)

	resp, _, err := get(t, w, inventory.UtilityCSSURL)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.Header.Get(HeaderCache) != "hit" || resp.Header.Get(HeaderResponseType) != "opaque" {
		t.Fatalf("第三方资源应以 opaque 命中")
	}
	if resp.Header.Get("X-Upstream") != "" {
		t.Fatalf("opaque 响应不应暴露上游头")
	}

	resp, _, err = get(t, w, resolve(t, "./manifest.json"))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.Header.Get(HeaderResponseType) != "" || resp.Header.Get("X-Upstream") != "1" {
		t.Fatalf("同源资源应保留完整响应头")
	}
}

func TestSameNameInstallKeepsPriorContents(t *testing.T) {
	up := newUpstream(t)
	opts, storage := testOptions(t, up)
	installActive(t, inventory.Current, opts)

	index := resolve(t, "./index.html")
	fetched := up.hitCount(http.MethodGet, index)

	again, err := New(inventory.Current, opts)
	if err != nil {
		t.Fatalf("创建 worker 失败: %v", err)
	}
	report, err := again.Install(context.Background())
	if err != nil {
		t.Fatalf("安装失败: %v", err)
	}
	if !report.Reused {
		t.Fatalf("已封存的同名 store 应被复用")
	}
	if up.hitCount(http.MethodGet, index) != fetched {
		t.Fatalf("已封存的 store 不应重新抓取")
	}

	store, err := storage.Open(context.Background(), "bubble-pop-frenzy-v1")
	if err != nil {
		t.Fatalf("打开 store 失败: %v", err)
	}
	err = store.Put(context.Background(), cache.NewRequest(index, cache.ModeDefault), &cache.Response{Status: http.StatusOK})
	if !errors.Is(err, cache.ErrStoreSealed) {
		t.Fatalf("封存后写入应失败，得到 %v", err)
	}
}

func TestInstallFailsWhenStoreCannotOpen(t *testing.T) {
	up := newUpstream(t)
	opts, storage := testOptions(t, up)
	if err := storage.Close(); err != nil {
		t.Fatalf("关闭存储失败: %v", err)
	}

	w, err := New(inventory.Current, opts)
	if err != nil {
		t.Fatalf("创建 worker 失败: %v", err)
	}
	if _, err := w.Install(context.Background()); err == nil {
		t.Fatalf("store 无法打开时安装应失败")
	}
	if w.State() != StateRedundant {
		t.Fatalf("安装失败后应为 redundant，得到 %s", w.State())
	}
	if _, err := w.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("redundant worker 不能再次安装，得到 %v", err)
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)
	w, err := New(inventory.Current, opts)
	if err != nil {
		t.Fatalf("创建 worker 失败: %v", err)
	}
	if err := w.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("未安装的 worker 不能激活，得到 %v", err)
	}
	if w.State() != StateParsed {
		t.Fatalf("状态不应变化，得到 %s", w.State())
	}
}

func TestInactiveWorkerUsesNetworkOnly(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)
	w, err := New(inventory.Current, opts)
	if err != nil {
		t.Fatalf("创建 worker 失败: %v", err)
	}
	if _, err := w.Install(context.Background()); err != nil {
		t.Fatalf("安装失败: %v", err)
	}

	resp, _, err := get(t, w, resolve(t, "./index.html"))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.Header.Get(HeaderCache) != "" {
		t.Fatalf("未激活的 worker 不应返回缓存")
	}
}

func TestActivateReapsOtherStores(t *testing.T) {
	up := newUpstream(t)
	opts, storage := testOptions(t, up)
	ctx := context.Background()

	for _, stale := range []string{"bubble-pop-frenzy-v0", "unrelated-cache"} {
		if _, err := storage.Open(ctx, stale); err != nil {
			t.Fatalf("创建旧 store 失败: %v", err)
		}
	}

	installActive(t, inventory.Current, opts)
	names, err := storage.Keys(ctx)
	if err != nil {
		t.Fatalf("列出缓存失败: %v", err)
	}
	if len(names) != 1 || names[0] != "bubble-pop-frenzy-v1" {
		t.Fatalf("激活后应只剩当前缓存代，得到 %v", names)
	}
}

// failingDeleteStorage 让删除总是失败，用于验证激活不受清理错误影响。
type failingDeleteStorage struct {
	cache.Storage
}

func (failingDeleteStorage) Delete(context.Context, string) (bool, error) {
	return false, errors.New("disk busy")
}

func TestActivateToleratesDeleteFailures(t *testing.T) {
	up := newUpstream(t)
	opts, storage := testOptions(t, up)
	if _, err := storage.Open(context.Background(), "bubble-pop-frenzy-v0"); err != nil {
		t.Fatalf("创建旧 store 失败: %v", err)
	}

	opts.Storage = failingDeleteStorage{Storage: storage}
	w := installActive(t, inventory.Current, opts)
	if w.State() != StateActive {
		t.Fatalf("删除失败不应阻止激活，得到 %s", w.State())
	}

	has, err := storage.Has(context.Background(), "bubble-pop-frenzy-v0")
	if err != nil || !has {
		t.Fatalf("删除失败时旧 store 应保留: %v %v", has, err)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	up := newUpstream(t)
	opts, _ := testOptions(t, up)

	bad := opts
	bad.Scope = &url.URL{Path: "/bubble/"}
	if _, err := New(inventory.Current, bad); err == nil {
		t.Fatalf("相对作用域应报错")
	}

	bad = opts
	bad.Storage = nil
	if _, err := New(inventory.Current, bad); err == nil {
		t.Fatalf("缺少存储应报错")
	}

	if _, err := New(inventory.Manifest{CacheName: "nope"}, opts); err == nil {
		t.Fatalf("非法清单应报错")
	}
}
