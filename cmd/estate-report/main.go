// Command estate-report は不動産月次収支報告書システムの認証・ロール管理サーバーを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/estate-report/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
