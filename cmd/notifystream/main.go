// リアルタイム通知サービスのエントリポイント。
// 管理画面の操作が作成した通知をSQLiteへ永続化し、受信者が開いている
// 全てのSSEストリーム接続へ配信する。
package main

import (
	"log"
	"os"

	"github.com/nao1215/notifystream/internal/notification"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8086"
	}

	server, err := notification.NewServer(port)
	if err != nil {
		log.Fatalf("通知サーバーの初期化に失敗: %v", err)
	}

	log.Printf("通知サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("通知サービスの起動に失敗: %v", err)
	}
}
