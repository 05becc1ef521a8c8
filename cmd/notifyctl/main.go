// 通知APIのコマンドラインクライアント。
// イベントの追記と、通知の一覧取得・既読操作を行う。
//
// 使い方:
//
//	notifyctl -token <JWT> append -type commentCreated -params '{"comment_id":"c-1","document_id":"d-1","user_id":"u-1"}'
//	notifyctl -token <JWT> list | unread | groups
//	notifyctl -token <JWT> read <notification-id>
//	notifyctl -token <JWT> read-all
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/nao1215/docnotify/pkg/httpclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("notifyctl: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("notifyctl", flag.ContinueOnError)
	addr := fs.String("addr", envOr("NOTIFIER_ADDR", "http://localhost:8086"), "通知APIのベースURL")
	token := fs.String("token", os.Getenv("NOTIFIER_TOKEN"), "AuthorizationヘッダーのJWT")
	timeout := fs.Duration("timeout", 30*time.Second, "リクエストのタイムアウト")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("サブコマンドを指定してください（append, list, unread, groups, read, read-all）")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := httpclient.New(*addr, *token)
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "append":
		return appendEvent(ctx, client, rest, stdout)
	case "list":
		notifications, err := client.ListNotifications(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, notifications)
	case "unread":
		notifications, err := client.ListUnreadNotifications(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, notifications)
	case "groups":
		groups, err := client.ListGroups(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, groups)
	case "read":
		if len(rest) != 1 {
			return errors.New("readには通知IDを1つ指定してください")
		}
		if err := client.MarkAsRead(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "通知 %s を既読にしました\n", rest[0])
		return nil
	case "read-all":
		if err := client.MarkAllAsRead(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "全通知を既読にしました")
		return nil
	default:
		return fmt.Errorf("未知のサブコマンドです: %q", cmd)
	}
}

// appendEvent はappendサブコマンドを実行する。
func appendEvent(ctx context.Context, client *httpclient.Client, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	eventType := fs.String("type", "", "イベント種別（revisionCreated または commentCreated）")
	params := fs.String("params", "", "イベントのペイロード（JSON）")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *eventType == "" || *params == "" {
		return errors.New("appendには-typeと-paramsが必要です")
	}
	if !json.Valid([]byte(*params)) {
		return errors.New("-paramsが正しいJSONではありません")
	}

	id, err := client.AppendEvent(ctx, *eventType, json.RawMessage(*params))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "イベントを追記しました: %s\n", id)
	return nil
}

// printJSON はvをインデント付きのJSONで出力する。
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// envOr は環境変数の値を返す。未設定ならfallbackを返す。
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
