package inventory

// 第三方资源：工具类 CSS 包与像素字体样式表，首屏渲染依赖二者。
const (
	UtilityCSSURL = "https://cdn.jsdelivr.net/npm/tailwindcss@2.2.19/dist/tailwind.min.css"
	WebFontCSSURL = "https://fonts.googleapis.com/css2?family=Press+Start+2P&display=swap"
)

// Current 是本版本 worker 发布的离线清单。修改任何条目都必须递增 CacheName。
var Current = Manifest{
	CacheName: "bubble-pop-frenzy-v1",
	Assets: []Asset{
		{URL: "./index.html"},
		{URL: "./"},
		{URL: "./manifest.json"},
		{URL: "./src/styles/styles.css"},
		{URL: "./src/js/main.js"},
		{URL: "./src/js/game.js"},
		{URL: "./src/js/bubbles.js"},
		{URL: "./src/js/ui/urgentMessage.js"},
		{URL: "./src/js/ui/messageBox.js"},
		{URL: "./src/js/utils/resizeCanvas.js"},
		{URL: "./src/js/utils/randomColor.js"},
		{URL: "./icons/icon-192x192.png"},
		{URL: "./icons/icon-512x512.png"},
		{URL: UtilityCSSURL},
		{URL: WebFontCSSURL},
	},
}
