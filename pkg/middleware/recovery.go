package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// ストリーム接続を含むすべてのハンドラで、パニックがプロセスを
// 巻き込まないようにする。発生時はログに記録し、500エラーを返す。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[PANIC] %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"error": "内部サーバーエラーが発生しました",
					})
				} else {
					// ストリーム送信開始後はJSONを返せないため接続を打ち切る
					c.Abort()
				}
			}
		}()
		c.Next()
	}
}
