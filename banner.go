package linkd

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Version 版本号，构建时可通过 -ldflags 覆盖
var Version = "0.1.0"

const banner = `
 _ _       _       _
| (_)_ __ | | ____| |   linkd WebSocket 网关
| | | '_ \| |/ / _' |   node: %s
| | | | | |   < (_| |   ws: %s
|_|_|_| |_|_|\_\__,_|   version: %s
`

// printBanner 打印启动 banner 和路由表
func (e *Engine) printBanner(addr string) {
	e.writeBanner(os.Stdout, addr)
}

func (e *Engine) writeBanner(out io.Writer, addr string) {
	fPrint(out, banner, e.node, wsURL(addr), Version)
	fPrint(out, "\n")

	routes := e.engine.Routes()
	if len(routes) > 0 {
		printRoutes(out, routes, e.config.Mode)
		fPrint(out, "\n")
	}

	mode := e.config.Mode
	if mode == gin.DebugMode {
		fPrint(out, "[linkd] Running in \"%s\" mode. Switch to \"release\" mode in production.\n", mode)
	} else {
		fPrint(out, "[linkd] Running in \"%s\" mode.\n", mode)
	}
	fPrint(out, "[linkd] Go version: %s | OS: %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fPrint(out, "[linkd] Listening on %s\n", addr)
}

// wsURL 拼接访问地址
func wsURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, ":"):
		return "ws://127.0.0.1" + addr + pathWS
	case strings.HasPrefix(addr, "[::]:"):
		return "ws://127.0.0.1" + strings.TrimPrefix(addr, "[::]") + pathWS
	case strings.Contains(addr, ":"):
		return "ws://" + addr + pathWS
	default:
		return "ws://127.0.0.1:" + addr + pathWS
	}
}

// methodColor 根据 HTTP 方法返回 ANSI 颜色码
func methodColor(method string) string {
	switch method {
	case "GET":
		return "\033[34m"
	case "POST":
		return "\033[32m"
	case "PUT":
		return "\033[33m"
	default:
		return "\033[0m"
	}
}

const resetColor = "\033[0m"

// printRoutes 格式化打印路由表
func printRoutes(out io.Writer, routes gin.RoutesInfo, mode string) {
	maxPathLen := 0
	for _, r := range routes {
		maxPathLen = max(maxPathLen, len(r.Path))
	}
	for _, r := range routes {
		fPrint(out, "[linkd-%s] %s %-7s %s %-*s --> %s\n",
			mode,
			methodColor(r.Method), r.Method, resetColor,
			maxPathLen, r.Path,
			r.Handler)
	}
}

// silenceGin 静默 Gin 的默认输出，由 linkd 自行记录
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}

// fPrint 打印到 writer，忽略错误
func fPrint(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}
